// Package index models a site's signed manifest: a tree of directories,
// files, executables and symlinks, plus the groups that say which archive
// produces which files. The XML grammar is decoded into an untyped element
// tree first and then mapped onto a closed set of item kinds, so consumers
// (the descriptor builder, the archive pipeline) switch on Kind instead of
// inspecting element names. A parsed Index is never mutated afterwards.
package index
