// Package driveops maps a mount's virtual path space onto a SharePoint
// document library. It is the single owner of the "mount configuration →
// site id, drive id, mount root" resolution, shared by the storage adapter
// and the CLI.
//
// Resolver turns (site URL, library path) into a Binding. Session is the
// explicit per-session context: it carries the Graph clients, resolves the
// Binding once, and translates virtual paths into drive paths for item
// lookups, listings and downloads. Nothing is shared between sessions, so
// concurrent work on one mount uses one Session per operation or shares a
// Session read-only.
package driveops
