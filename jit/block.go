package jit

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jart/goblink/stats"
)

// obtains a block from the global pool, carving a fresh one from the
// arena when the free list is dry
func acquireJitBlock(j *Jit_t) *JitBlock_t {
	gJit.lock.Lock()
	var jb *JitBlock_t
	if n := len(gJit.freelist); n > 0 {
		jb = gJit.freelist[n-1]
		gJit.freelist = gJit.freelist[:n-1]
		gJit.freecount--
	} else if addr := allocateJitMemory(); addr != 0 {
		jb = &JitBlock_t{addr: addr}
		stats.JitBlocksAllocated.Add(1)
	}
	gJit.lock.Unlock()
	if jb != nil {
		jb.aged = j.agedblocks.PushBack(jb)
	}
	return jb
}

// frees a block back onto the global pool for any jit to reclaim.
// intended for full shutdown, exit_group or execve.
// @assume j.lock
func releaseJitBlock(jb *JitBlock_t) {
	jb.start = 0
	jb.index = 0
	jb.committed = 0
	jb.virt = 0
	jb.jumps = nil
	jb.staged = nil
	jb.pages = nil
	jb.wasretired = false
	jb.isprotected = false
	jb.elem = nil
	jb.aged = nil
	gJit.lock.Lock()
	gJit.freelist = append(gJit.freelist, jb)
	gJit.freecount++
	gJit.lock.Unlock()
}

// frees a block in such a way that it takes a long time to be reused;
// for a jit under active use reclaiming memory
// @assume j.lock
func (j *Jit_t) retireJitBlock(jb *JitBlock_t) {
	if len(jb.pages) != 0 || jb.isprotected || len(jb.staged) != 0 {
		panic("retiring live block")
	}
	stats.JitBlocksRetired.Add(1)
	if jb.elem != nil {
		j.blocks.Remove(jb.elem)
		jb.elem = nil
	}
	if jb.aged != nil {
		j.agedblocks.Remove(jb.aged)
		jb.aged = nil
	}
	jb.start = 0
	jb.index = 0
	jb.committed = 0
	jb.wasretired = true
	gJit.lock.Lock()
	// last position in the free list, so reuse is maximally delayed
	gJit.freelist = append([]*JitBlock_t{jb}, gJit.freelist...)
	gJit.freecount++
	gJit.lock.Unlock()
}

// takes at least one jit block out of commission under memory pressure
// @assume j.lock
func (j *Jit_t) forceJitBlockToRetire() {
	gen := beginUpdate(&j.pagegen)
	for e := j.agedblocks.Front(); e != nil; e = e.Next() {
		jb := e.Value.(*JitBlock_t)
		if len(jb.pages) > 0 && !jb.isprotected && len(jb.staged) == 0 {
			// to retire a block, every page it references must be
			// fully cleared, including from other blocks
			for len(jb.pages) > 0 {
				page := jb.pages[len(jb.pages)-1]
				j.resetJitPageHooks(page)
				j.resetJitPageBlocks(page)
				delete(j.pages, page)
			}
			break
		}
	}
	// now retire any blocks which became empty
	for e := j.agedblocks.Front(); e != nil; {
		next := e.Next()
		jb := e.Value.(*JitBlock_t)
		if len(jb.pages) == 0 && !jb.isprotected && len(jb.staged) == 0 &&
			jb.elem != nil {
			j.retireJitBlock(jb)
		}
		e = next
	}
	endUpdate(&j.pagegen, gen)
}

// tracks a guest page referenced by the code in this block
func appendJitBlockPage(jb *JitBlock_t, virt int64) {
	page := virt &^ 4095
	for _, p := range jb.pages {
		if p == page {
			return
		}
	}
	jb.pages = append(jb.pages, page)
}

/// StartJit leases a block with enough room and installs a staging
/// hook at virt so concurrent lookups don't race into the same path.
/// Returns nil when the JIT is disabled or out of memory.
func (j *Jit_t) StartJit(virt uint64) *JitBlock_t {
	if j.IsJitDisabled() {
		return nil
	}
	var jb *JitBlock_t
	j.lock.Lock()
	if e := j.blocks.Front(); e != nil {
		if b := e.Value.(*JitBlock_t); b.index+JitFit <= JitBlockSize {
			j.blocks.Remove(e)
			b.elem = nil
			jb = b
		}
	}
	if jb == nil {
		if gJit.freecount <= JitRetireQueue {
			j.forceJitBlockToRetire()
		}
		jb = acquireJitBlock(j)
		if jb == nil {
			logrus.Warn("ran out of jit memory")
		}
	}
	j.lock.Unlock()
	if jb == nil {
		return nil
	}
	jb.virt = virt
	if jb.start&(JitAlign-1) != 0 || jb.start != jb.index {
		panic("unaligned block lease")
	}
	jb.pagegen = j.pagegen.Load()
	if jb.virt != 0 && j.staging != 0 {
		appendJitBlockPage(jb, int64(jb.virt))
		j.setJitHook(jb.virt, 0, 0, true)
	} else {
		jb.isprotected = true
	}
	jitWriteProtect(false)
	return jb
}

/// GetJitRemaining returns the bytes of room left in the block, or a
/// negative value after an append failed for space.
func (jb *JitBlock_t) GetJitRemaining() int {
	return JitBlockSize - jb.index
}

/// GetJitPc returns the host address the next appended byte lands at.
func (jb *JitBlock_t) GetJitPc() uintptr {
	return jb.addr + uintptr(jb.index)
}

func (jb *JitBlock_t) oom() bool {
	jb.index = JitBlockSize + 1
	return false
}

/// AppendJit appends raw bytes; errors latch and propagate safely to
/// FinishJit.
func (jb *JitBlock_t) AppendJit(data []uint8) bool {
	if len(data) == 0 {
		panic("empty append")
	}
	jb.lastaction = 0
	if len(data) <= jb.GetJitRemaining() {
		copy(unsafe.Slice((*uint8)(unsafe.Pointer(jb.addr+uintptr(jb.index))),
			len(data)), data)
		jb.index += len(data)
		return true
	}
	return jb.oom()
}

/// RecordJitJump records a fixup: when virt is later compiled, the
/// jump placeholder at the current pc gets patched into a direct jump.
func (j *Jit_t) RecordJitJump(jb *JitBlock_t, virt uint64, addend int) bool {
	if jb.index > JitBlockSize {
		return false
	}
	if !CanJitForImmediateEffect() {
		return false
	}
	if jb.virt != 0 && jb.virt&^4095 != virt&^4095 {
		panic("jump fixup crosses pages")
	}
	jb.jumps = append(jb.jumps, &JitJump_t{
		code:   jb.GetJitPc(),
		virt:   virt,
		addend: addend,
	})
	stats.JumpsRecorded.Add(1)
	return true
}

// pulls fixups targeting virt off the pending list; fixups that have
// been passed over JitJumpTries times are discarded
func (j *Jit_t) getJitJumps(virt uint64) []*JitJump_t {
	j.lock.Lock()
	defer j.lock.Unlock()
	var res []*JitJump_t
	keep := j.jumps[:0]
	for _, jj := range j.jumps {
		if jj.virt == virt {
			res = append(res, jj)
		} else {
			jj.tries++
			if jj.tries < JitJumpTries {
				keep = append(keep, jj)
			}
		}
	}
	j.jumps = keep
	return res
}

func fixupJitJumps(list []*JitJump_t, addr uintptr) {
	for _, jj := range list {
		stats.JumpsApplied.Add(1)
		stats.PathsConnected.Add(1)
		patchJitJump(jj.code, addr+uintptr(jj.addend))
	}
}

func (j *Jit_t) updateJitHook(jb *JitBlock_t, funcaddr uintptr) bool {
	jumps := j.getJitJumps(jb.virt)
	if j.setJitHook(jb.virt, hookStaging, funcaddr, false) {
		fixupJitJumps(jumps, funcaddr)
		return true
	}
	return false
}

func (j *Jit_t) abandonJitHook(jb *JitBlock_t) {
	if jb.virt != 0 && j.staging != 0 {
		j.setJitHook(jb.virt, 0, 0, false)
	}
}

/// CommitJit flips finished page prefixes of the block to r-x and
/// promotes their staged hooks, on hosts where code can't go live
/// immediately. Returns how many staged functions were activated.
func (j *Jit_t) CommitJit(jb *JitBlock_t) int {
	count := 0
	if jb.start != jb.index {
		panic("commit of open block")
	}
	pagesize := unix.Getpagesize()
	blockoff := jb.start &^ (pagesize - 1)
	if !CanJitForImmediateEffect() && blockoff > jb.committed {
		addr := jb.addr + uintptr(jb.committed)
		size := blockoff - jb.committed
		logrus.WithField("bytes", size).Debug("jit activating block prefix")
		// discard fixups that point into memory being protected
		j.lock.Lock()
		keep := j.jumps[:0]
		for _, jj := range j.jumps {
			if jj.code+5 > addr && jj.code < addr+uintptr(size) {
				continue
			}
			keep = append(keep, jj)
		}
		j.jumps = keep
		j.lock.Unlock()
		prot := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
		if err := unix.Mprotect(prot, unix.PROT_READ|unix.PROT_EXEC); err != nil {
			logrus.WithError(err).Error("jit mprotect failed")
			j.DisableJit()
			return 0
		}
		staged := jb.staged
		var remain []*JitStage_t
		for i, js := range staged {
			if js.index <= blockoff {
				if !shallNotPass(js.pagegen, &j.pagegen) {
					fn := jb.addr + uintptr(js.start)
					jumps := j.getJitJumps(js.virt)
					if j.setJitHook(js.virt, hookStaging, fn, false) {
						fixupJitJumps(jumps, fn)
					}
				} else if js.virt != 0 && j.staging != 0 {
					j.setJitHook(js.virt, 0, 0, false)
				}
				count++
			} else {
				remain = staged[i:]
				break
			}
		}
		jb.staged = remain
		jb.committed = blockoff
	}
	return count
}

/// FlushJit commits every partially filled block, padding each to a
/// page boundary. A last resort for staged hooks on strict W^X hosts.
func (j *Jit_t) FlushJit() int {
	count := 0
	pagesize := unix.Getpagesize()
	j.lock.Lock()
	var todo []*JitBlock_t
	for e := j.blocks.Front(); e != nil; e = e.Next() {
		jb := e.Value.(*JitBlock_t)
		if len(jb.staged) > 0 && jb.index < JitBlockSize {
			for jb.index&(pagesize-1) != 0 {
				jb.AppendJitTrap()
			}
			jb.start = jb.index
		}
		todo = append(todo, jb)
	}
	j.lock.Unlock()
	for _, jb := range todo {
		count += j.CommitJit(jb)
	}
	return count
}

// puts a leased block back into the block pool for potential reuse
// @assume j.lock
func (j *Jit_t) reinsertJitBlock(jb *JitBlock_t) {
	if jb.start != jb.index {
		panic("reinsert of open block")
	}
	if jb.index < JitBlockSize {
		jb.elem = j.blocks.PushFront(jb)
	} else {
		jb.elem = j.blocks.PushBack(jb)
	}
}

// moves the block's fixups to the jit so they can be applied later
func (j *Jit_t) commitJitJumps(jb *JitBlock_t) {
	if len(jb.jumps) > 0 {
		j.lock.Lock()
		j.jumps = append(j.jumps, jb.jumps...)
		j.lock.Unlock()
		jb.jumps = nil
	}
}

/// FinishJit publishes the function being written to jb. It returns
/// false when the block ran out of room, in which case the caller may
/// simply try again with a fresh lease.
func (j *Jit_t) FinishJit(jb *JitBlock_t) bool {
	if jb.index <= jb.start {
		panic("finishing empty path")
	}
	// check if we lost a race with a page reset
	if shallNotPass(jb.pagegen, &j.pagegen) {
		return j.AbandonJit(jb)
	}
	// align generated functions using breakpoint opcodes
	for jb.index < JitBlockSize && jb.index&(JitAlign-1) != 0 {
		jb.AppendJitTrap()
	}
	var ok bool
	if jb.index <= JitBlockSize {
		if jb.virt != 0 {
			addr := jb.addr + uintptr(jb.start)
			if CanJitForImmediateEffect() {
				flushInstructionCache(addr, jb.index-jb.start)
				if !j.updateJitHook(jb, addr) {
					// another thread created a path at this address
					return j.AbandonJit(jb)
				}
			} else {
				jb.staged = append(jb.staged, &JitStage_t{
					start:   jb.start,
					index:   jb.index,
					virt:    jb.virt,
					pagegen: jb.pagegen,
				})
			}
		}
		j.commitJitJumps(jb)
		// if only a sliver remains, spend the block
		if jb.index+JitFit > JitBlockSize {
			jb.index = JitBlockSize
		}
		jb.start = jb.index
		ok = true
	} else {
		stats.PathOoms.Add(1)
		jb.jumps = nil
		if jb.index-jb.start < JitBlockSize>>1 {
			// the oom came from lack of room; trying again in a new
			// block is reasonable, so release the staging hook
			j.abandonJitHook(jb)
		}
		// otherwise the path is hopeless and the staging hook stays,
		// pinning the address to the interpreter
		jb.index = jb.start
		ok = false
	}
	if jb.start != jb.index {
		panic("unbalanced finish")
	}
	j.CommitJit(jb)
	j.lock.Lock()
	j.reinsertJitBlock(jb)
	j.lock.Unlock()
	jitWriteProtect(true)
	return ok
}

/// AbandonJit drops the partially written function and returns the
/// block. Always returns false so fault paths can tail-call it.
func (j *Jit_t) AbandonJit(jb *JitBlock_t) bool {
	stats.PathsAbandoned.Add(1)
	jb.jumps = nil
	j.abandonJitHook(jb)
	jb.index = jb.start
	j.lock.Lock()
	j.reinsertJitBlock(jb)
	j.lock.Unlock()
	jitWriteProtect(true)
	return false
}

/// DestroyJit releases every block owned by this jit back to the
/// process pool.
func (j *Jit_t) DestroyJit() {
	j.lock.Lock()
	for e := j.blocks.Front(); e != nil; {
		next := e.Next()
		jb := e.Value.(*JitBlock_t)
		j.blocks.Remove(e)
		if jb.aged != nil {
			j.agedblocks.Remove(jb.aged)
		}
		releaseJitBlock(jb)
		e = next
	}
	j.jumps = nil
	j.pages = make(map[int64]*JitPage_t)
	j.lock.Unlock()
}
