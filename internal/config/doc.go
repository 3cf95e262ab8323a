// Package config handles configuration loading, parsing, and validation
// from a YAML file, QUERYBATCH_ environment variables, an optional .env file
// and command line flags. It also owns the explicit backend catalogue and the
// construction of the structured logger.
package config
