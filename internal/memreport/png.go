package memreport

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/fogleman/gg"
)

const (
	// DefaultWidth is the image width used when RenderOptions.Width is 0.
	DefaultWidth = 1024

	bandHeight  = 48
	labelHeight = 20
	imageMargin = 8
	imageHeight = 2*(bandHeight+labelHeight) + 3*imageMargin
)

// RenderOptions controls the output of RenderPNG.
type RenderOptions struct {
	Width int
}

// band maps a linear address range onto a horizontal strip of the image.
type band struct {
	start, end uintptr
	x, y, w    float64
}

func (b band) span(addr, size uintptr) (x, w float64) {
	length := float64(b.end - b.start)
	x = b.x + float64(addr-b.start)/length*b.w
	w = float64(size) / length * b.w
	// keep tiny blocks visible
	if w < 1 {
		w = 1
	}
	return x, w
}

// RenderPNG draws the physical memory map (used red, free green) and the heap
// block chain (allocated blue, free green, headers grey) and writes the
// result to w as a PNG image.
func RenderPNG(w io.Writer, snap *Snapshot, opts RenderOptions) error {
	width := opts.Width
	if width == 0 {
		width = DefaultWidth
	}
	if width <= 2*imageMargin {
		return errors.Newf("image width %d is too small", width)
	}
	if snap.PhysEnd <= snap.PhysStart || snap.HeapEnd <= snap.HeapStart {
		return errors.New("snapshot has an empty physical or heap range")
	}

	dc := gg.NewContext(width, imageHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	innerWidth := float64(width - 2*imageMargin)

	phys := band{start: snap.PhysStart, end: snap.PhysEnd, x: imageMargin, y: imageMargin + labelHeight, w: innerWidth}
	dc.SetRGB(0, 0, 0)
	dc.DrawString(fmt.Sprintf("physical [0x%x - 0x%x] used %d / %d bytes", snap.PhysStart, snap.PhysEnd, snap.Stats.Used, snap.Stats.Total), phys.x, phys.y-6)
	drawRect(dc, phys.x, phys.y, phys.w, bandHeight, 0.8, 0.2, 0.2)
	for _, region := range snap.FreeRegions {
		if region.Addr < phys.start || region.Addr+uintptr(region.Size) > phys.end {
			return errors.Newf("free region 0x%x outside of physical range", region.Addr)
		}
		x, w := phys.span(region.Addr, uintptr(region.Size))
		drawRect(dc, x, phys.y, w, bandHeight, 0.2, 0.7, 0.2)
	}

	heap := band{start: snap.HeapStart, end: snap.HeapEnd, x: imageMargin, y: phys.y + bandHeight + imageMargin + labelHeight, w: innerWidth}
	dc.SetRGB(0, 0, 0)
	dc.DrawString(fmt.Sprintf("heap [0x%x - 0x%x] %d blocks, %d free", snap.HeapStart, snap.HeapEnd, len(snap.HeapBlocks), snap.Stats.Heap.FreeBlocks), heap.x, heap.y-6)
	for index, block := range snap.HeapBlocks {
		blockEnd := snap.HeapEnd
		if index+1 < len(snap.HeapBlocks) {
			blockEnd = snap.HeapBlocks[index+1].Addr
		}
		if block.Addr < heap.start || blockEnd > heap.end || blockEnd < block.Addr+uintptr(block.Size) {
			return errors.Newf("heap block 0x%x outside of heap range", block.Addr)
		}

		x, w := heap.span(block.Addr, blockEnd-block.Addr)
		if block.Free {
			drawRect(dc, x, heap.y, w, bandHeight, 0.2, 0.7, 0.2)
		} else {
			drawRect(dc, x, heap.y, w, bandHeight, 0.2, 0.3, 0.8)
		}

		// the header occupies the bytes in front of the payload
		_, hw := heap.span(block.Addr, blockEnd-block.Addr-uintptr(block.Size))
		drawRect(dc, x, heap.y, hw, bandHeight, 0.55, 0.55, 0.55)
	}

	if err := dc.EncodePNG(w); err != nil {
		return errors.Wrap(err, "encoding memory map image")
	}
	return nil
}

func drawRect(dc *gg.Context, x, y, w, h, r, g, b float64) {
	dc.SetRGB(r, g, b)
	dc.DrawRectangle(x, y, w, h)
	dc.Fill()
}
