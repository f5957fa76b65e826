/*
The sync package makes the device's copy of a package match the local package
tree.

A sync run has two halves:
1) Planning -- The remote tree under the install root is listed recursively
   into a RemoteSnapshot, and compared against the local vpk.Tree. Files are
   considered equal when their sizes match, since the device's FTP service
   doesn't expose content hashes. A changed file with the same size is
   therefore not detected. Run a clean install (delete the title on the
   device) if that matters.
2) Execution -- The plan is applied over a single device.Session, strictly in
   order: stale paths are deleted deepest first, then missing directories are
   created parents first, then new or changed files are uploaded.

Each remote operation is retried a bounded number of times. When an operation
keeps failing the run stops with a PartialSyncError that names the phase and
path, and whether anything on the device was already modified. Re-running a
sync is always safe: every step converges on the local tree no matter what
state a previous run left behind.
*/
package sync
