/*
Package finalizer commits finished executions back to the notebook.

When an execution record completes, Finalize sanitizes its outputs,
offloads oversized or binary content to asset files, stamps the cell's
provenance, and writes the notebook atomically. It runs only after the
scheduler has committed the terminal task status, so the record it
reads is always the durable one. Scratch executions (no cell index)
never touch the notebook.

# Sanitize Pipeline

Outputs pass through, in order:

  - secret redaction: known token shapes (AWS keys, bearer tokens,
    private key blocks) plus a Shannon-entropy check on long opaque
    strings, replaced with [REDACTED]
  - traceback eliding: runs of library frames collapse to a marker,
    keeping the user's own frames and the final error line; terminal
    color codes are ignored when classifying frames
  - HTML table conversion: pandas-style tables become Markdown when
    small enough and are flagged large_table when not

# Asset Offload

Binary display data (PDF over SVG over PNG over JPEG, first present
wins) and text beyond the size or line limits move to an assets
directory next to the notebook. Files are content-addressed by a
truncated SHA-256 of their bytes, so re-running a cell that produces
identical output rewrites nothing. The output left in the notebook is
a short head/tail preview naming the asset path.

Every written asset gets a lease in the store. The GC deletes asset
files only when their lease has expired and no cell in the notebook
references them anymore; Collect sweeps one notebook on demand,
CollectExpired sweeps everything at startup. pruneQuota enforces the
disk cap by removing the oldest assets until usage falls to 80% of it.

# Deferred Writes

While a notebook has live subscribers, completed cell updates pile up
in memory instead of hitting the disk, so a file watcher on the client
side does not see a write per cell. Flush commits the backlog, and the
session layer calls it when the last subscriber detaches. A failed
write keeps the updates pending for the next flush; the task whose
finalize hit the failure is annotated with failed_save so callers know
the notebook on disk lags the store.
*/
package finalizer
