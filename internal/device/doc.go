// Package device holds the radio-neutral vocabulary shared by the scanner and
// the dispatch engine: device addresses, advertisement and scanning contracts,
// UUID normalisation and the connection error taxonomy.
//
// Concrete radio adapters live in the go-ble subpackage.
package device
