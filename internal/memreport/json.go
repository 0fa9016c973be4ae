package memreport

import (
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

const jsonBufferSize = 4096

func hex(addr uintptr) string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}

// WriteJSON streams snap to w as a single JSON object.
func WriteJSON(w io.Writer, snap *Snapshot) error {
	jw := jwriter.NewStreamingWriter(w, jsonBufferSize)

	obj := jw.Object()
	writePhysical(&obj, snap)
	writeHeap(&obj, snap)
	obj.End()

	if err := jw.Flush(); err != nil {
		return errors.Wrap(err, "flushing memory report")
	}
	if err := jw.Error(); err != nil {
		return errors.Wrap(err, "encoding memory report")
	}
	return nil
}

func writePhysical(obj *jwriter.ObjectState, snap *Snapshot) {
	phys := obj.Name("physical").Object()
	phys.Name("start").String(hex(snap.PhysStart))
	phys.Name("end").String(hex(snap.PhysEnd))
	phys.Name("total").Int(int(snap.Stats.Total))
	phys.Name("used").Int(int(snap.Stats.Used))
	phys.Name("free").Int(int(snap.Stats.Free))
	phys.Name("pageTables").Int(snap.Stats.PageTables)

	regions := phys.Name("freeRegions").Array()
	for _, region := range snap.FreeRegions {
		entry := regions.Object()
		entry.Name("addr").String(hex(region.Addr))
		entry.Name("size").Int(int(region.Size))
		entry.End()
	}
	regions.End()
	phys.End()
}

func writeHeap(obj *jwriter.ObjectState, snap *Snapshot) {
	stats := snap.Stats.Heap

	heap := obj.Name("heap").Object()
	heap.Name("start").String(hex(snap.HeapStart))
	heap.Name("end").String(hex(snap.HeapEnd))
	heap.Name("size").Int(int(stats.Size))
	heap.Name("allocated").Int(int(stats.Allocated))
	heap.Name("free").Int(int(stats.Free))
	heap.Name("overhead").Int(int(stats.Overhead))
	heap.Name("largestFree").Int(int(stats.LargestFree))

	blocks := heap.Name("blocks").Array()
	for _, block := range snap.HeapBlocks {
		entry := blocks.Object()
		entry.Name("addr").String(hex(block.Addr))
		entry.Name("size").Int(int(block.Size))
		entry.Name("free").Bool(block.Free)
		entry.End()
	}
	blocks.End()

	if len(snap.SizeClasses) != 0 {
		heap.Name("fallbackCalls").Int(int(snap.Stats.FallbackCalls))
	}
	classes := heap.Name("sizeClasses").Array()
	for _, class := range snap.SizeClasses {
		entry := classes.Object()
		entry.Name("size").Int(int(class.Size))
		entry.Name("freeBlocks").Int(class.FreeBlocks)
		entry.End()
	}
	classes.End()
	heap.End()
}
