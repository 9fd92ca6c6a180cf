// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection layer.
//
// Provides:
//   - Prometheus collectors labelled by reactor and worker, with nil-safe
//     per-component handles
//   - Debug probe registration and JSON state export
package control
