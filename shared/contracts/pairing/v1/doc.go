// Package v1 defines the Stand QR pairing protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the relay server and clients (web + mobile) to keep
// the wire protocol authoritative. Field names like data.uuid are wire-stable
// because the shipped mobile app already sends them.
package v1
