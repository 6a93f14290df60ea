package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/schedkeeper/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
//	-a string     HTTP bind address (e.g. ":8080")
//	-g string     gRPC health bind address (e.g. ":50051")
//	-d string     PostgreSQL DSN
//	-s string     session signing secret
//	-t duration   session validity (e.g. "168h")
//	-l string     log level
//	-b string     public base URL of the web client
//	-r string     Redis address for login throttling
//	-q string     AMQP URL for association events
//
// Only these flags are read from os.Args, so the admin tool's positional
// arguments and the -c/-env flags do not collide.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-g", "-d", "-s", "-t", "-l", "-b", "-r", "-q"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.EndpointAddrGRPC, "g", config.EndpointAddrGRPC, "gRPC health address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "session signing secret")
	fs.DurationVar(&config.SessionValidityDuration, "t", config.SessionValidityDuration, "session validity")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.BaseURL, "b", config.BaseURL, "public base URL")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "Redis address")
	fs.StringVar(&config.AMQPURL, "q", config.AMQPURL, "AMQP URL")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
