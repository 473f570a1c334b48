// Package control
// Author: momentics <momentics@gmail.com>
//
// Connection configuration, runtime metrics and debug introspection layer.
//
// Provides:
//   - The configuration contract accepted by driver Connect calls
//     (options object, auth, TLS and reconnect descriptors)
//   - Profile files for the command line tools
//   - Prometheus metrics shared by the wire engine, drivers and orchestrator
//   - Named debug probes for state export
//
// The package depends on nothing else in the module so every layer may
// import it.
package control
