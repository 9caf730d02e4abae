package server

// Version is stamped at link time by the build.
var Version = "devel"
