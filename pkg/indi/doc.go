// Package indi implements the subset of the INDI wire protocol (version 1.7)
// spoken by instrument driver processes on their standard I/O streams.
//
// Drivers emit def*Vector, set*Vector, delProperty and message elements on
// stdout; clients write getProperties and new*Vector elements to stdin. A
// vector groups one or more member elements (oneNumber, oneSwitch, ...) under
// a (device, name) pair. This package provides the typed Message envelope the
// rest of the system exchanges, a tolerant stream reader that extracts
// complete elements from a raw byte stream, and the XML codec between the two.
package indi
