// Package filemap tracks the provenance of guest mappings: which guest
// ranges came from which host file and offset. Records are kept in an
// ordered tree keyed by guest virtual address so interval queries stay
// cheap as guests map and punch holes in large files.
package filemap

import (
	"github.com/google/btree"

	"github.com/jart/goblink/mem"
)

/// FileMap_t records one file-backed reservation. Present tracks which
/// pages of the original range are still mapped; the record dies when
/// the last bit clears.
type FileMap_t struct {
	Virt    int64  /// guest base address
	Size    int64  /// bytes reserved at Virt
	Path    string /// host path that backed the mapping
	Offset  int64  /// file offset of the first page
	Present []uint64
}

func (fm *FileMap_t) pages() int64 {
	return (fm.Size + mem.PGSIZE - 1) >> mem.PGSHIFT
}

/// Holds reports whether the page containing virt is still present.
func (fm *FileMap_t) Holds(virt int64) bool {
	if virt < fm.Virt || virt >= fm.Virt+fm.Size {
		return false
	}
	n := (virt - fm.Virt) >> mem.PGSHIFT
	return fm.Present[n>>6]&(1<<uint(n&63)) != 0
}

// drop clears the page's present bit; reports whether any page is
// still held afterward.
func (fm *FileMap_t) drop(virt int64) bool {
	n := (virt - fm.Virt) >> mem.PGSHIFT
	fm.Present[n>>6] &^= 1 << uint(n&63)
	for _, w := range fm.Present {
		if w != 0 {
			return true
		}
	}
	return false
}

func less(a, b *FileMap_t) bool { return a.Virt < b.Virt }

/// FileMaps_t is the ordered set of provenance records for one system.
/// Callers serialize access with the system's mmap lock.
type FileMaps_t struct {
	tree *btree.BTreeG[*FileMap_t]
}

/// MkFileMaps returns an empty record set.
func MkFileMaps() *FileMaps_t {
	return &FileMaps_t{tree: btree.NewG[*FileMap_t](8, less)}
}

/// Add registers a new file mapping with every page present.
func (fms *FileMaps_t) Add(virt, size int64, path string, offset int64) *FileMap_t {
	fm := &FileMap_t{
		Virt:   virt,
		Size:   size,
		Path:   path,
		Offset: offset,
	}
	fm.Present = make([]uint64, (fm.pages()+63)/64)
	for n := int64(0); n < fm.pages(); n++ {
		fm.Present[n>>6] |= 1 << uint(n&63)
	}
	fms.tree.ReplaceOrInsert(fm)
	return fm
}

/// Find returns the record covering virt with its page still present,
/// or nil.
func (fms *FileMaps_t) Find(virt int64) *FileMap_t {
	var res *FileMap_t
	fms.tree.DescendLessOrEqual(&FileMap_t{Virt: virt}, func(fm *FileMap_t) bool {
		if fm.Holds(virt) {
			res = fm
		}
		return false
	})
	return res
}

/// DropPage notes that the page at virt was unmapped, deleting the
/// record when its last page goes away.
func (fms *FileMaps_t) DropPage(virt int64) {
	fm := fms.Find(virt)
	if fm == nil {
		return
	}
	if !fm.drop(virt) {
		fms.tree.Delete(fm)
	}
}

/// Len returns the number of live records.
func (fms *FileMaps_t) Len() int {
	return fms.tree.Len()
}

/// Each visits every record in address order; the visit function
/// returns false to stop early.
func (fms *FileMaps_t) Each(fn func(*FileMap_t) bool) {
	fms.tree.Ascend(fn)
}
