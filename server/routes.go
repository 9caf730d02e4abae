package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server

	"github.com/facebookgo/httpdown"
	"github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/booking"
	"github.com/ndlib/gridcat/guid"
	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/namespace"
	"github.com/ndlib/gridcat/se"
)

// RESTServer holds the configuration for a gridcat REST API server.
//
// Set all the public fields and then call Run. Run will listen on the
// given port and handle requests. Do not change any fields after
// calling Run.
type RESTServer struct {
	// Port number to listen on. Defaults to 14000.
	PortNumber string
	PProfPort  string

	// Catalog answers namespace operations. Run panics if nil.
	Catalog *namespace.Catalog

	// Identities is the identity and replica registry. Run panics
	// if nil.
	Identities *guid.Registry

	// Booking runs the write reservation protocol. Run panics if
	// nil.
	Booking *booking.Table

	// Mounts and Times are the routing caches, exposed here for the
	// admin invalidation route.
	Mounts *mounts.Resolver
	Times  *mounts.TimeResolver

	// SEs is the storage element directory.
	SEs *se.Directory

	// Validator does authentication by validating any user tokens
	// presented to the API. If this is nil every caller is admin.
	Validator TokenDecoder

	server httpdown.Server // used to close our listening socket
}

// Run initializes the server and then blocks listening for and
// handling http requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting gridcat server version %s", Version)

	if s.Catalog == nil || s.Identities == nil || s.Booking == nil {
		panic("Catalog, Identities, and Booking must all be set")
	}
	if s.Validator == nil {
		log.Println("No Validator given")
		s.Validator = NewNobodyDecoder()
	}

	// for pprof
	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	if s.PortNumber == "" {
		s.PortNumber = "14000"
	}
	log.Println("Listening on", s.PortNumber)

	var err error
	h := httpdown.HTTP{}
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop will stop the server and return when all the server goroutines
// have exited and the socket closed. The identity registry's cleanup
// queues are flushed first.
func (s *RESTServer) Stop() error {
	s.Identities.Stop()
	return s.server.Stop()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		// namespace
		{"GET", "/lfn/*path", RoleRead, s.LFNHandler},
		{"GET", "/ls/*path", RoleRead, s.ListHandler},
		{"POST", "/mkdir/*path", RoleWrite, s.MkdirHandler},
		{"POST", "/register/*path", RoleWrite, s.RegisterHandler},
		{"PUT", "/touch/*path", RoleWrite, s.TouchHandler},
		{"PUT", "/chmod/*path", RoleWrite, s.ChmodHandler},
		{"PUT", "/chown/*path", RoleWrite, s.ChownHandler},
		{"PUT", "/expire/*path", RoleWrite, s.ExpireHandler},
		{"POST", "/mv", RoleWrite, s.MoveHandler},
		{"DELETE", "/lfn/*path", RoleWrite, s.RemoveHandler},

		// identities
		{"GET", "/guid/:uuid", RoleRead, s.GUIDHandler},
		{"GET", "/guid/:uuid/refs", RoleRead, s.GUIDRefsHandler},
		{"GET", "/guid/:uuid/real", RoleRead, s.GUIDRealHandler},

		// write bookings
		{"POST", "/book", RoleWrite, s.BookHandler},
		{"POST", "/commit", RoleWrite, s.CommitHandler},
		{"POST", "/reject", RoleWrite, s.RejectHandler},
		{"POST", "/keep", RoleWrite, s.KeepHandler},
		{"GET", "/booked", RoleRead, s.BookedHandler},
		{"POST", "/job/:id/resubmit", RoleWrite, s.ResubmitJobHandler},
		{"POST", "/job/:id/register", RoleWrite, s.RegisterOutputsHandler},

		// storage elements
		{"GET", "/se", RoleRead, s.SEListHandler},
		{"GET", "/se/:name", RoleRead, s.SEHandler},

		// admin
		{"PUT", "/admin/invalidate", RoleAdmin, s.InvalidateHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/metrics", RoleUnknown, MetricsHandler},
		{"GET", "/debug/vars", RoleUnknown, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// General route handlers and convenience functions

// WelcomeHandler identifies the server.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "gridcat version %s\n", Version)
}

// MetricsHandler adapts the prometheus handler to the httprouter
// three parameter handler.
func MetricsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	promhttp.Handler().ServeHTTP(w, r)
}

// VarHandler adapts the expvar default handler to the httprouter three
// parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// writeJSON serializes val into the response.
func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(val)
}

// authzWrapper returns a Handler which will first verify the user
// token as having at least the given Role. The principal is added as
// parameters "username" and "groups".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		user, role, err := s.Validator.TokenDecode(token)
		if err != nil {
			w.WriteHeader(500)
			fmt.Fprintln(w, err.Error())
			return
		}

		// is role valid?
		if role < leastRole {
			w.WriteHeader(401)
			fmt.Fprintln(w, "Forbidden")
			return
		}

		ps = setParam(ps, "username", user.Name)
		ps = setParam(ps, "groups", joinGroups(user.Groups))
		handler(w, r, ps)
	}
}

func setParam(ps httprouter.Params, key, value string) httprouter.Params {
	for i := range ps {
		if ps[i].Key == key {
			ps[i].Value = value
			return ps
		}
	}
	return append(ps, httprouter.Param{Key: key, Value: value})
}

// logWrapper takes a handler and returns a handler which does the same
// thing, after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}

// writeError maps the typed catalogue failures onto status codes. An
// unexpected error is reported and returned as a 500.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch err {
	case auth.ErrDenied:
		status = 403
	case namespace.ErrNotFound, mounts.ErrNotFound, se.ErrUnknownSE, guid.ErrNotRegistered:
		status = 404
	case namespace.ErrExists, namespace.ErrNotEmpty, namespace.ErrNotDirectory,
		guid.ErrDuplicateReplica, booking.ErrConflictingContent, booking.ErrLeaseConflict:
		status = 409
	case booking.ErrQuotaExceeded:
		status = 403
	default:
		status = 500
		raven.CaptureError(err, nil)
	}
	w.WriteHeader(status)
	fmt.Fprintln(w, err.Error())
}
