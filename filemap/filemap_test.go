package filemap

import "testing"

func TestFileMapLifecycle(t *testing.T) {
	fms := MkFileMaps()
	fm := fms.Add(0x10000, 0x3000, "/tmp/f", 0x2000)
	if fms.Len() != 1 {
		t.Fatal("add")
	}
	if got := fms.Find(0x11000); got != fm {
		t.Fatal("find inside")
	}
	if fms.Find(0x13000) != nil {
		t.Fatal("find past end")
	}
	if fms.Find(0xffff) != nil {
		t.Fatal("find before start")
	}
	fms.DropPage(0x10000)
	fms.DropPage(0x12000)
	if fms.Len() != 1 {
		t.Fatal("record must survive while pages remain")
	}
	if fms.Find(0x10000) != nil {
		t.Fatal("dropped page still found")
	}
	if fms.Find(0x11500) != fm {
		t.Fatal("middle page must remain")
	}
	fms.DropPage(0x11000)
	if fms.Len() != 0 {
		t.Fatal("record must die with its last page")
	}
}

func TestFileMapMany(t *testing.T) {
	fms := MkFileMaps()
	for i := int64(0); i < 64; i++ {
		fms.Add(0x100000+i*0x10000, 0x1000, "/tmp/f", i*0x1000)
	}
	if fms.Len() != 64 {
		t.Fatal("len")
	}
	var n int
	fms.Each(func(fm *FileMap_t) bool {
		n++
		return true
	})
	if n != 64 {
		t.Fatal("each")
	}
	if fm := fms.Find(0x100000 + 37*0x10000); fm == nil || fm.Offset != 37*0x1000 {
		t.Fatal("find in crowd")
	}
}
