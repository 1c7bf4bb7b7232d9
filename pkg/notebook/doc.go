/*
Package notebook reads, edits, and writes nbformat 4 documents.

The package holds a notebook in memory as plain structs, migrates old
files up to nbformat 4.5 on read (assigning the stable cell ids that
version introduced), and writes changes back atomically so a crash
never leaves a torn file on disk.

# Reading and Writing

	nb, err := notebook.Read("analysis.ipynb")
	if err != nil {
		return err
	}
	cell, err := nb.CellAt(3)
	...
	if err := notebook.WriteAtomic("analysis.ipynb", nb); err != nil {
		return err
	}

WriteAtomic encodes to a tempfile in the target's directory, fsyncs,
and renames over the original. It also matches Jupyter's single-space
indent so files shared with other tools diff cleanly.

Cell sources round-trip through nbformat's line-list form but are held
as a single string (SourceText) in memory. Code cells always serialize
with their outputs and execution_count keys present, as the schema
requires.

# Provenance

Each executed code cell carries a provenance block under the "hatchery"
metadata key: the hash of the source that produced its outputs, when it
ran, and in which environment. ExecutionHash strips all whitespace
before hashing, so reformatting a cell does not mark it stale.

	prov, ok := cell.GetProvenance()
	if ok && prov.ExecutionHash != notebook.ExecutionHash(cell.Source.String()) {
		// cell changed since it last ran
	}

Provenance is how staleness is detected after a restart: the on-disk
hashes are compared against current sources without any server-side
state surviving.
*/
package notebook
