package webgpu

import (
	"github.com/cogentcore/webgpu/wgpu"

	"github.com/born-ml/fuse/internal/tensor"
)

// Long decode contexts switch to the two-pass kernel: pass 1 reduces
// fixed blocks of the key sequence independently, pass 2 merges them
// under the global max.
const (
	sdpaTwoPassThreshold = 1024
	sdpaTwoPassBlocks    = 32
)

// SDPAParams carries the dimensions the attention kernels need. Q is
// (Batch, QHeads, QSeq, HeadDim), K (Batch, KVHeads, KSeq, HeadDim),
// V (Batch, KVHeads, KSeq, VDim). Softcap 1 means no capping.
type SDPAParams struct {
	Batch   int
	QHeads  int
	KVHeads int
	QSeq    int
	KSeq    int
	HeadDim int
	VDim    int
	Scale   float32
	Softcap float32
}

func (p SDPAParams) validate() error {
	if p.HeadDim > 256 || p.VDim > 256 {
		return tensor.PreconditionErrf("sdpa head dim %d/%d exceeds the kernel limit of 256", p.HeadDim, p.VDim)
	}
	if p.KVHeads == 0 || p.QHeads%p.KVHeads != 0 {
		return tensor.PreconditionErrf("sdpa query heads %d not divisible by kv heads %d", p.QHeads, p.KVHeads)
	}
	return nil
}

// SDPAVector runs the single-query decode path (QSeq == 1). Key
// sequences of sdpaTwoPassThreshold or more go through the two-pass
// split-k variant. The output is (Batch, QHeads, 1, VDim).
func (d *Device) SDPAVector(q, k, v *Storage, p SDPAParams) (*Storage, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.QSeq != 1 {
		return nil, tensor.PreconditionErrf("sdpa vector path needs a single query, got q_seq=%d", p.QSeq)
	}
	if err := sameDevice("sdpa", q, k); err != nil {
		return nil, err
	}
	if err := sameDevice("sdpa", q, v); err != nil {
		return nil, err
	}

	bh := p.Batch * p.QHeads
	out, err := d.NewStorage(tensor.F32, bh*p.VDim)
	if err != nil {
		return nil, err
	}

	if p.KSeq < sdpaTwoPassThreshold {
		err = d.dispatch("sdpa_vector", sdpaVectorShader,
			[]*wgpu.Buffer{q.buf, k.buf, v.buf, out.buf},
			[]uint32{
				uint32(p.Batch), uint32(p.QHeads), uint32(p.KVHeads),
				uint32(p.KSeq), uint32(p.HeadDim), uint32(p.VDim),
				f32bits(p.Scale), f32bits(p.Softcap),
			},
			ceilDiv(bh, 64), 1, 1)
		if err != nil {
			out.Free()
			return nil, err
		}
		return out, nil
	}

	partials, err := d.NewStorage(tensor.F32, bh*sdpaTwoPassBlocks*p.VDim)
	if err != nil {
		out.Free()
		return nil, err
	}
	defer partials.Free()
	maxs, err := d.NewStorage(tensor.F32, bh*sdpaTwoPassBlocks)
	if err != nil {
		out.Free()
		return nil, err
	}
	defer maxs.Free()
	sums, err := d.NewStorage(tensor.F32, bh*sdpaTwoPassBlocks)
	if err != nil {
		out.Free()
		return nil, err
	}
	defer sums.Free()

	err = d.dispatch("sdpa_vector_partial", sdpaVectorPartialShader,
		[]*wgpu.Buffer{q.buf, k.buf, v.buf, partials.buf, maxs.buf, sums.buf},
		[]uint32{
			uint32(p.Batch), uint32(p.QHeads), uint32(p.KVHeads),
			uint32(p.KSeq), uint32(p.HeadDim), uint32(p.VDim),
			f32bits(p.Scale), f32bits(p.Softcap), sdpaTwoPassBlocks,
		},
		1, uint32(bh), 1)
	if err != nil {
		out.Free()
		return nil, err
	}

	err = d.dispatch("sdpa_vector_merge", sdpaVectorMergeShader,
		[]*wgpu.Buffer{partials.buf, maxs.buf, sums.buf, out.buf},
		[]uint32{uint32(bh), sdpaTwoPassBlocks, uint32(p.VDim)},
		ceilDiv(bh, 64), 1, 1)
	if err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

// SDPAFull runs the prefill path: QSeq >= 2 with matching query and key
// head counts and sequence lengths. The output is
// (Batch, QHeads, QSeq, VDim).
func (d *Device) SDPAFull(q, k, v *Storage, p SDPAParams) (*Storage, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.QHeads != p.KVHeads {
		return nil, tensor.PreconditionErrf("sdpa full path needs matching head counts, got %d vs %d", p.QHeads, p.KVHeads)
	}
	if p.QSeq != p.KSeq {
		return nil, tensor.PreconditionErrf("sdpa full path needs matching sequence lengths, got %d vs %d", p.QSeq, p.KSeq)
	}
	if err := sameDevice("sdpa", q, k); err != nil {
		return nil, err
	}
	if err := sameDevice("sdpa", q, v); err != nil {
		return nil, err
	}

	bh := p.Batch * p.QHeads
	out, err := d.NewStorage(tensor.F32, bh*p.QSeq*p.VDim)
	if err != nil {
		return nil, err
	}
	err = d.dispatch("sdpa_full", sdpaFullShader,
		[]*wgpu.Buffer{q.buf, k.buf, v.buf, out.buf},
		[]uint32{
			uint32(bh), uint32(p.QSeq), uint32(p.KSeq),
			uint32(p.HeadDim), uint32(p.VDim),
			f32bits(p.Scale), f32bits(p.Softcap),
		},
		ceilDiv(p.QSeq, 64), uint32(bh), 1)
	if err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}
