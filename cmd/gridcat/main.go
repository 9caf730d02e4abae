// gridcat is the grid file catalogue server. It keeps the namespace,
// the file identity registry, and the write booking tables, and serves
// them over a REST interface.
//
// With no options it runs against an in-memory database, which is
// useful for development. Give it -mysql to run against a router
// database, which in turn lists the shard hosts holding the catalogue
// tables.
//
// Configuration may be given either on the command line or in a TOML
// file named with -config. Command line options win.
package main

import (
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/booking"
	"github.com/ndlib/gridcat/guid"
	"github.com/ndlib/gridcat/mounts"
	"github.com/ndlib/gridcat/namespace"
	"github.com/ndlib/gridcat/se"
	"github.com/ndlib/gridcat/server"
	"github.com/ndlib/gridcat/shards"
)

type config struct {
	Port       string
	PProfPort  string
	Mysql      string
	DBUser     string
	DBPassword string
	Tokenfile  string
}

var (
	configFile  = flag.String("config", "", "name of TOML configuration file")
	port        = flag.String("port", "", "port to listen on")
	pprofPort   = flag.String("pprof-port", "", "port for pprof server, disabled if empty")
	mysql       = flag.String("mysql", "", "dial string for the router database. uses an in-memory database if empty")
	dbUser      = flag.String("db-user", "", "user to connect to the shard hosts as")
	dbPassword  = flag.String("db-password", "", "password for the shard host user")
	tokenfile   = flag.String("tokenfile", "", "file listing user tokens. anonymous access is admin if empty")
	showVersion = flag.Bool("version", false, "display the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		log.Printf("gridcat version %s", server.Version)
		return
	}

	var c config
	if *configFile != "" {
		if _, err := toml.DecodeFile(*configFile, &c); err != nil {
			log.Fatalf("Error reading configuration file: %s", err.Error())
		}
	}
	// command line wins over the configuration file
	if *port != "" {
		c.Port = *port
	}
	if *pprofPort != "" {
		c.PProfPort = *pprofPort
	}
	if *mysql != "" {
		c.Mysql = *mysql
	}
	if *dbUser != "" {
		c.DBUser = *dbUser
	}
	if *dbPassword != "" {
		c.DBPassword = *dbPassword
	}
	if *tokenfile != "" {
		c.Tokenfile = *tokenfile
	}

	var validator server.TokenDecoder
	if c.Tokenfile != "" {
		var err error
		validator, err = server.NewListDecoderFile(c.Tokenfile)
		if err != nil {
			log.Fatalf("Error opening token file: %s", err.Error())
		}
	}

	var (
		router *sql.DB
		reg    *shards.Registry
		driver string
		err    error
	)
	if c.Mysql != "" {
		driver = "mysql"
		log.Printf("Using router database %s", c.Mysql)
		router, err = shards.OpenRouter(c.Mysql)
		if err != nil {
			log.Fatalf("Error opening router database: %s", err.Error())
		}
		reg = shards.NewRegistry(router, c.DBUser, c.DBPassword)
	} else {
		driver = "ql"
		log.Println("Using in-memory database")
		router, reg, err = devDatabase()
		if err != nil {
			log.Fatalf("Error setting up database: %s", err.Error())
		}
	}

	resolver := mounts.NewResolver(mounts.MountLoader(router))
	resolver.Probe = mounts.UpdateProbe(router)
	times := mounts.NewTimeResolver(mounts.TimeShardLoader(router))
	sedir := se.NewDirectory(router, driver)

	var ids *guid.Registry
	var nstore namespace.Store
	var bstore booking.Store
	if driver == "mysql" {
		gs := guid.NewMySQLStore(reg)
		ids = guid.NewRegistry(gs, gs, times, sedir)
		nstore = namespace.NewMySQLStore(reg)
		bstore = booking.NewMySQLStore(router)
	} else {
		gs := guid.NewQlStore(reg)
		ids = guid.NewRegistry(gs, gs, times, sedir)
		nstore = namespace.NewQlStore(reg)
		bstore = booking.NewQlStore(router)
	}
	quota := booking.NewDBQuota(router, driver)

	catalog := namespace.NewCatalog(resolver, nstore, auth.Perms{}, ids)
	bookings := booking.NewTable(bstore, ids, catalog, sedir, auth.Perms{}, quota)

	s := &server.RESTServer{
		PortNumber: c.Port,
		PProfPort:  c.PProfPort,
		Catalog:    catalog,
		Identities: ids,
		Booking:    bookings,
		Mounts:     resolver,
		Times:      times,
		SEs:        sedir,
		Validator:  validator,
	}

	// set up signal handlers
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Received shutdown signal")
		s.Stop()
	}()

	err = s.Run()
	if err != nil {
		log.Println(err)
	}
}

// devDatabase sets up an in-memory router with one shard, the router
// database itself, holding the whole namespace under /grid/ and every
// identity time range.
func devDatabase() (*sql.DB, *shards.Registry, error) {
	router, err := shards.OpenRouterQL("memory")
	if err != nil {
		return nil, nil, err
	}
	if err := shards.CreateShardTables(router, "ql", 1); err != nil {
		return nil, nil, err
	}
	_, err = shards.Exec(router,
		`INSERT INTO mounts (mount_index, host_index, table_index, prefix) VALUES (1, 1, 1, ?1)`,
		"/grid/")
	if err != nil {
		return nil, nil, err
	}
	_, err = shards.Exec(router,
		`INSERT INTO guid_shards (shard_index, host_index, table_index, guid_time) VALUES (1, 1, 1, ?1)`,
		"0000000000000000")
	if err != nil {
		return nil, nil, err
	}
	reg := shards.NewRegistry(router, "", "")
	reg.AddConn(1, router)
	return router, reg, nil
}
