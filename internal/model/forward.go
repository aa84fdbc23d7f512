package model

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/samcharles93/gpt2chat/internal/ops"
	"github.com/samcharles93/gpt2chat/internal/tensor"
)

// forward is the state of a single graph execution.
type forward struct {
	net     *Net
	opt     ops.Option
	pending []pendingBlob
}

type pendingBlob struct {
	alloc tensor.Allocator
	b     tensor.Blob
}

func (f *forward) blob(alloc tensor.Allocator, w, h, c int) (tensor.Blob, error) {
	b, err := tensor.NewBlob(alloc, w, h, c)
	if err != nil {
		return tensor.Blob{}, fmt.Errorf("allocate %dx%dx%d: %w", w, h, c, err)
	}
	return b, nil
}

// done marks b as consumed. In light mode it goes straight back to its
// allocator, otherwise it is kept until the pass ends.
func (f *forward) done(alloc tensor.Allocator, b tensor.Blob) {
	if f.net.Opt.LightMode {
		tensor.Release(alloc, b)
		return
	}
	f.pending = append(f.pending, pendingBlob{alloc: alloc, b: b})
}

func (f *forward) releaseAll() {
	for _, p := range f.pending {
		tensor.Release(p.alloc, p.b)
	}
	f.pending = nil
}

func (f *forward) run(ids, pos tensor.Blob) (tensor.Blob, error) {
	n := f.net
	cfg := n.cfg
	balloc := n.Opt.BlobAllocator
	t := ids.W

	tok, err := f.layer(n.gather, n.w.wte, ids)
	if err != nil {
		return tensor.Blob{}, err
	}
	pe, err := f.layer(n.gather, n.w.wpe, pos)
	if err != nil {
		f.done(balloc, tok)
		return tensor.Blob{}, err
	}
	x := tok
	tensor.Add(x.Data, pe.Data)
	f.done(balloc, pe)
	defer func() { f.done(balloc, x) }()

	h, err := f.blob(balloc, cfg.NEmbd, t, 1)
	if err != nil {
		return tensor.Blob{}, err
	}
	defer func() { f.done(balloc, h) }()

	eps := float32(cfg.LayerNormEpsilon)
	for i := range n.w.layers {
		lw := &n.w.layers[i]

		f.layerNorm(h, x, lw.ln1W, lw.ln1B, eps)
		attn, err := f.attention(lw, h)
		if err != nil {
			return tensor.Blob{}, fmt.Errorf("layer %d: %w", i, err)
		}
		tensor.Add(x.Data, attn.Data)
		f.done(balloc, attn)

		f.layerNorm(h, x, lw.ln2W, lw.ln2B, eps)
		mlp, err := f.mlp(lw, h)
		if err != nil {
			return tensor.Blob{}, fmt.Errorf("layer %d: %w", i, err)
		}
		tensor.Add(x.Data, mlp.Data)
		f.done(balloc, mlp)
	}

	f.layerNorm(h, x, n.w.lnfW, n.w.lnfB, eps)
	logits, err := tensor.NewBlob(tensor.HeapAllocator{}, cfg.VocabSize, t, 1)
	if err != nil {
		return tensor.Blob{}, err
	}
	tensor.MatMulTransB(logits, h, n.w.wte)
	return logits, nil
}

func (f *forward) layer(l ops.Layer, bottoms ...tensor.Blob) (tensor.Blob, error) {
	tops, err := l.Forward(bottoms, f.opt)
	if err != nil {
		return tensor.Blob{}, err
	}
	if len(tops) != 1 {
		return tensor.Blob{}, fmt.Errorf("layer produced %d outputs, want 1", len(tops))
	}
	return tops[0], nil
}

func (f *forward) layerNorm(dst, src tensor.Blob, weight, bias []float32, eps float32) {
	f.opt.Pool.Parallel(src.H, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			tensor.LayerNorm(dst.Row(y), src.Row(y), weight, bias, eps)
		}
	})
}

// linear computes x*w + b into a fresh blob.
func (f *forward) linear(x, w tensor.Blob, b []float32) (tensor.Blob, error) {
	out, err := f.blob(f.net.Opt.BlobAllocator, w.W, x.H, 1)
	if err != nil {
		return tensor.Blob{}, err
	}
	tensor.MatMul(out, x, w)
	tensor.AddBias(out, b)
	return out, nil
}

// attention runs masked multi-head self attention over the normalised
// hidden states h [T, E].
func (f *forward) attention(lw *layerWeights, h tensor.Blob) (tensor.Blob, error) {
	balloc := f.net.Opt.BlobAllocator
	walloc := f.net.Opt.WorkspaceAllocator
	t, e := h.H, f.net.cfg.NEmbd
	heads := f.net.cfg.NHead

	qkv, err := f.linear(h, lw.attnW, lw.attnB)
	if err != nil {
		return tensor.Blob{}, err
	}
	defer f.done(balloc, qkv)

	scores, err := f.blob(walloc, t, t, heads)
	if err != nil {
		return tensor.Blob{}, err
	}
	f.opt.Pool.Parallel(heads, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			q := headView(qkv, t, p*HeadDim)
			k := headView(qkv, t, e+p*HeadDim)
			s := blas32.General{Rows: t, Cols: t, Stride: t, Data: scores.Channel(p)}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, q, k, 0, s)
		}
	})

	probs, err := f.layer(f.net.mask, scores)
	f.done(walloc, scores)
	if err != nil {
		return tensor.Blob{}, err
	}
	defer f.done(balloc, probs)

	ctx, err := f.blob(balloc, e, t, 1)
	if err != nil {
		return tensor.Blob{}, err
	}
	f.opt.Pool.Parallel(heads, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			ch := probs.Channel(p)
			for y := 0; y < t; y++ {
				tensor.Softmax(ch[y*t : (y+1)*t])
			}
			pm := blas32.General{Rows: t, Cols: t, Stride: t, Data: ch}
			v := headView(qkv, t, 2*e+p*HeadDim)
			out := blas32.General{Rows: t, Cols: HeadDim, Stride: e, Data: ctx.Data[p*HeadDim:]}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, pm, v, 0, out)
		}
	})

	out, err := f.linear(ctx, lw.attnProjW, lw.attnProjB)
	f.done(balloc, ctx)
	return out, err
}

// headView addresses the [T, HeadDim] columns of qkv starting at col.
func headView(qkv tensor.Blob, t, col int) blas32.General {
	return blas32.General{Rows: t, Cols: HeadDim, Stride: qkv.W, Data: qkv.Data[col:]}
}

func (f *forward) mlp(lw *layerWeights, h tensor.Blob) (tensor.Blob, error) {
	fc, err := f.linear(h, lw.fcW, lw.fcB)
	if err != nil {
		return tensor.Blob{}, err
	}
	f.opt.Pool.Parallel(fc.H, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			tensor.GELUInPlace(fc.Row(y))
		}
	})
	out, err := f.linear(fc, lw.projW, lw.projB)
	f.done(f.net.Opt.BlobAllocator, fc)
	return out, err
}
