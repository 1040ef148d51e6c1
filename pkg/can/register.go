package can

// ImplementedInterfaces lists the interface-type strings this module's own
// drivers register under, for use by CLI help text (cmd/cyphalcat) and
// tests. A program linking a third-party driver package can still pass any
// string it registered under NewBus; this list only documents the ones
// built into this repository.
var ImplementedInterfaces = []string{
	"socketcan",
	"socketcanfd",
	"virtual",
}
