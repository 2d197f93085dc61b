package webgpu

// WGSL compute shaders. Row kernels run one thread per last-dim row;
// the SDPA kernels keep their accumulators in fixed-size private
// arrays, which is why the head dimension is capped at 256.

// softmaxLastDimShader computes softmax along rows (last dimension).
const softmaxLastDimShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    rows: u32,
    cols: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.x;
    if (row >= params.rows) {
        return;
    }
    let offset = row * params.cols;

    var max_val: f32 = input[offset];
    for (var i: u32 = 1u; i < params.cols; i = i + 1u) {
        max_val = max(max_val, input[offset + i]);
    }

    var sum: f32 = 0.0;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        let e = exp(input[offset + i] - max_val);
        result[offset + i] = e;
        sum = sum + e;
    }

    let inv = 1.0 / sum;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        result[offset + i] = result[offset + i] * inv;
    }
}
`

// softmaxInplaceShader is the in-place variant. WebGPU forbids binding
// one buffer as both read and read_write, so it is a separate shader.
const softmaxInplaceShader = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

struct Params {
    rows: u32,
    cols: u32,
}
@group(0) @binding(1) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.x;
    if (row >= params.rows) {
        return;
    }
    let offset = row * params.cols;

    var max_val: f32 = data[offset];
    for (var i: u32 = 1u; i < params.cols; i = i + 1u) {
        max_val = max(max_val, data[offset + i]);
    }

    var sum: f32 = 0.0;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        let e = exp(data[offset + i] - max_val);
        data[offset + i] = e;
        sum = sum + e;
    }

    let inv = 1.0 / sum;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        data[offset + i] = data[offset + i] * inv;
    }
}
`

// attnSoftmaxShader fuses softmax((x + mask) * scale) along rows. x is
// (batch, heads, seq, kv) flattened; the rank-2 (seq, kv) mask row
// repeats across batch and heads.
const attnSoftmaxShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read> mask: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    rows: u32,
    cols: u32,
    seq: u32,
    scale: f32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.x;
    if (row >= params.rows) {
        return;
    }
    let offset = row * params.cols;
    let mask_offset = (row % params.seq) * params.cols;

    var max_val: f32 = -3.4028235e38;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        let v = (input[offset + i] + mask[mask_offset + i]) * params.scale;
        result[offset + i] = v;
        max_val = max(max_val, v);
    }

    var sum: f32 = 0.0;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        let e = exp(result[offset + i] - max_val);
        result[offset + i] = e;
        sum = sum + e;
    }

    let inv = 1.0 / sum;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        result[offset + i] = result[offset + i] * inv;
    }
}
`

// attnSoftmaxInplaceShader overwrites x with its fused attention
// softmax. The mask stays read-only, so only x needs read_write.
const attnSoftmaxInplaceShader = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;
@group(0) @binding(1) var<storage, read> mask: array<f32>;

struct Params {
    rows: u32,
    cols: u32,
    seq: u32,
    scale: f32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.x;
    if (row >= params.rows) {
        return;
    }
    let offset = row * params.cols;
    let mask_offset = (row % params.seq) * params.cols;

    var max_val: f32 = -3.4028235e38;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        let v = (data[offset + i] + mask[mask_offset + i]) * params.scale;
        data[offset + i] = v;
        max_val = max(max_val, v);
    }

    var sum: f32 = 0.0;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        let e = exp(data[offset + i] - max_val);
        data[offset + i] = e;
        sum = sum + e;
    }

    let inv = 1.0 / sum;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        data[offset + i] = data[offset + i] * inv;
    }
}
`

// rmsNormShader normalizes each row by its root mean square and scales
// by the alpha weight vector.
const rmsNormShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read> alpha: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    rows: u32,
    cols: u32,
    eps: f32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.x;
    if (row >= params.rows) {
        return;
    }
    let offset = row * params.cols;

    var sum_sq: f32 = 0.0;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        let v = input[offset + i];
        sum_sq = sum_sq + v * v;
    }

    let m = inverseSqrt(sum_sq / f32(params.cols) + params.eps);
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        result[offset + i] = input[offset + i] * m * alpha[i];
    }
}
`

// layerNormShader subtracts the row mean, normalizes by the variance
// and applies alpha*x + beta.
const layerNormShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read> alpha: array<f32>;
@group(0) @binding(2) var<storage, read> beta: array<f32>;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;

struct Params {
    rows: u32,
    cols: u32,
    eps: f32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.x;
    if (row >= params.rows) {
        return;
    }
    let offset = row * params.cols;
    let n = f32(params.cols);

    var sum: f32 = 0.0;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        sum = sum + input[offset + i];
    }
    let mean = sum / n;

    var sum_sq: f32 = 0.0;
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        let c = input[offset + i] - mean;
        sum_sq = sum_sq + c * c;
    }

    let m = inverseSqrt(sum_sq / n + params.eps);
    for (var i: u32 = 0u; i < params.cols; i = i + 1u) {
        result[offset + i] = (input[offset + i] - mean) * m * alpha[i] + beta[i];
    }
}
`

// sigmoidShader computes 1/(1+exp(-x)) elementwise.
const sigmoidShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    num_elements: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx >= params.num_elements) {
        return;
    }
    result[idx] = 1.0 / (1.0 + exp(-input[idx]));
}
`

// sigmoidGradShader computes grad * y * (1 - y) from the forward output.
const sigmoidGradShader = `
@group(0) @binding(0) var<storage, read> y: array<f32>;
@group(0) @binding(1) var<storage, read> grad: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    num_elements: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx >= params.num_elements) {
        return;
    }
    let yv = y[idx];
    result[idx] = grad[idx] * yv * (1.0 - yv);
}
`

// siluShader computes x * sigmoid(x) elementwise.
const siluShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    num_elements: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx >= params.num_elements) {
        return;
    }
    let v = input[idx];
    result[idx] = v / (1.0 + exp(-v));
}
`

// hardSigmoidShader computes clamp((x+3)/6, 0, 1) elementwise.
const hardSigmoidShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    num_elements: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx >= params.num_elements) {
        return;
    }
    result[idx] = clamp((input[idx] + 3.0) / 6.0, 0.0, 1.0);
}
`

// leakyReluShader scales negative inputs by a slope parameter.
const leakyReluShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    num_elements: u32,
    slope: f32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx >= params.num_elements) {
        return;
    }
    let v = input[idx];
    result[idx] = select(v, v * params.slope, v < 0.0);
}
`

// batchMatmulShader performs batched matrix multiplication:
// C[b] = A[b] @ B[b] with A (batch, M, K) and B (batch, K, N).
const batchMatmulShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    batch: u32,
    m: u32,
    k: u32,
    n: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let batch_idx = global_id.z;
    let row = global_id.y;
    let col = global_id.x;
    if (batch_idx >= params.batch || row >= params.m || col >= params.n) {
        return;
    }

    let a_base = batch_idx * params.m * params.k + row * params.k;
    let b_base = batch_idx * params.k * params.n;

    var acc: f32 = 0.0;
    for (var i: u32 = 0u; i < params.k; i = i + 1u) {
        acc = acc + a[a_base + i] * b[b_base + i * params.n + col];
    }
    result[batch_idx * params.m * params.n + row * params.n + col] = acc;
}
`

// sdpaVectorShader is the single-query decode path: one thread per
// (batch, head) computes the full attention output for its query row
// with a streaming softmax.
const sdpaVectorShader = `
@group(0) @binding(0) var<storage, read> q: array<f32>;
@group(0) @binding(1) var<storage, read> k: array<f32>;
@group(0) @binding(2) var<storage, read> v: array<f32>;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;

struct Params {
    batch: u32,
    q_heads: u32,
    kv_heads: u32,
    k_seq: u32,
    head_dim: u32,
    v_dim: u32,
    scale: f32,
    softcap: f32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let bh = global_id.x;
    let total = params.batch * params.q_heads;
    if (bh >= total) {
        return;
    }
    let b_idx = bh / params.q_heads;
    let h_idx = bh % params.q_heads;
    let kv_h = h_idx / (params.q_heads / params.kv_heads);

    let q_base = bh * params.head_dim;
    let k_base = (b_idx * params.kv_heads + kv_h) * params.k_seq * params.head_dim;
    let v_base = (b_idx * params.kv_heads + kv_h) * params.k_seq * params.v_dim;

    var acc: array<f32, 256>;
    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
        acc[d] = 0.0;
    }

    var run_max: f32 = -3.4028235e38;
    var run_sum: f32 = 0.0;
    for (var j: u32 = 0u; j < params.k_seq; j = j + 1u) {
        var score: f32 = 0.0;
        for (var d: u32 = 0u; d < params.head_dim; d = d + 1u) {
            score = score + q[q_base + d] * k[k_base + j * params.head_dim + d];
        }
        score = score * params.scale;
        if (params.softcap != 1.0) {
            score = params.softcap * tanh(score / params.softcap);
        }

        let new_max = max(run_max, score);
        let correction = exp(run_max - new_max);
        let w = exp(score - new_max);
        run_sum = run_sum * correction + w;
        for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
            acc[d] = acc[d] * correction + w * v[v_base + j * params.v_dim + d];
        }
        run_max = new_max;
    }

    let inv = 1.0 / run_sum;
    let out_base = bh * params.v_dim;
    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
        result[out_base + d] = acc[d] * inv;
    }
}
`

// sdpaVectorPartialShader is pass 1 of the long-context decode path:
// the key sequence splits into fixed blocks, and each thread reduces
// one (batch*head, block) slice into partial sums plus its local max.
const sdpaVectorPartialShader = `
@group(0) @binding(0) var<storage, read> q: array<f32>;
@group(0) @binding(1) var<storage, read> k: array<f32>;
@group(0) @binding(2) var<storage, read> v: array<f32>;
@group(0) @binding(3) var<storage, read_write> partials: array<f32>;
@group(0) @binding(4) var<storage, read_write> maxs: array<f32>;
@group(0) @binding(5) var<storage, read_write> sums: array<f32>;

struct Params {
    batch: u32,
    q_heads: u32,
    kv_heads: u32,
    k_seq: u32,
    head_dim: u32,
    v_dim: u32,
    scale: f32,
    softcap: f32,
    blocks: u32,
}
@group(0) @binding(6) var<uniform> params: Params;

@compute @workgroup_size(32)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let blk = global_id.x;
    let bh = global_id.y;
    if (blk >= params.blocks || bh >= params.batch * params.q_heads) {
        return;
    }
    let b_idx = bh / params.q_heads;
    let h_idx = bh % params.q_heads;
    let kv_h = h_idx / (params.q_heads / params.kv_heads);

    let per_block = (params.k_seq + params.blocks - 1u) / params.blocks;
    let start = blk * per_block;
    let stop = min(start + per_block, params.k_seq);

    let q_base = bh * params.head_dim;
    let k_base = (b_idx * params.kv_heads + kv_h) * params.k_seq * params.head_dim;
    let v_base = (b_idx * params.kv_heads + kv_h) * params.k_seq * params.v_dim;

    var acc: array<f32, 256>;
    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
        acc[d] = 0.0;
    }

    var run_max: f32 = -3.4028235e38;
    var run_sum: f32 = 0.0;
    for (var j: u32 = start; j < stop; j = j + 1u) {
        var score: f32 = 0.0;
        for (var d: u32 = 0u; d < params.head_dim; d = d + 1u) {
            score = score + q[q_base + d] * k[k_base + j * params.head_dim + d];
        }
        score = score * params.scale;
        if (params.softcap != 1.0) {
            score = params.softcap * tanh(score / params.softcap);
        }

        let new_max = max(run_max, score);
        let correction = exp(run_max - new_max);
        let w = exp(score - new_max);
        run_sum = run_sum * correction + w;
        for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
            acc[d] = acc[d] * correction + w * v[v_base + j * params.v_dim + d];
        }
        run_max = new_max;
    }

    let out_base = (bh * params.blocks + blk) * params.v_dim;
    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
        partials[out_base + d] = acc[d];
    }
    maxs[bh * params.blocks + blk] = run_max;
    sums[bh * params.blocks + blk] = run_sum;
}
`

// sdpaVectorMergeShader is pass 2: rescale every block's partial sums
// to the global max and normalize.
const sdpaVectorMergeShader = `
@group(0) @binding(0) var<storage, read> partials: array<f32>;
@group(0) @binding(1) var<storage, read> maxs: array<f32>;
@group(0) @binding(2) var<storage, read> sums: array<f32>;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;

struct Params {
    rows: u32,
    blocks: u32,
    v_dim: u32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let bh = global_id.x;
    if (bh >= params.rows) {
        return;
    }

    var global_max: f32 = -3.4028235e38;
    for (var blk: u32 = 0u; blk < params.blocks; blk = blk + 1u) {
        global_max = max(global_max, maxs[bh * params.blocks + blk]);
    }

    var total: f32 = 0.0;
    let out_base = bh * params.v_dim;
    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
        result[out_base + d] = 0.0;
    }
    for (var blk: u32 = 0u; blk < params.blocks; blk = blk + 1u) {
        let idx = bh * params.blocks + blk;
        let correction = exp(maxs[idx] - global_max);
        total = total + sums[idx] * correction;
        let p_base = idx * params.v_dim;
        for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
            result[out_base + d] = result[out_base + d] + partials[p_base + d] * correction;
        }
    }

    let inv = 1.0 / total;
    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
        result[out_base + d] = result[out_base + d] * inv;
    }
}
`

// sdpaFullShader is the prefill path: one thread per (batch*head,
// query) pair streams over the keys with an online softmax.
const sdpaFullShader = `
@group(0) @binding(0) var<storage, read> q: array<f32>;
@group(0) @binding(1) var<storage, read> k: array<f32>;
@group(0) @binding(2) var<storage, read> v: array<f32>;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;

struct Params {
    batch_heads: u32,
    q_seq: u32,
    k_seq: u32,
    head_dim: u32,
    v_dim: u32,
    scale: f32,
    softcap: f32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let qi = global_id.x;
    let bh = global_id.y;
    if (qi >= params.q_seq || bh >= params.batch_heads) {
        return;
    }

    let q_base = (bh * params.q_seq + qi) * params.head_dim;
    let k_base = bh * params.k_seq * params.head_dim;
    let v_base = bh * params.k_seq * params.v_dim;

    var acc: array<f32, 256>;
    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
        acc[d] = 0.0;
    }

    var run_max: f32 = -3.4028235e38;
    var run_sum: f32 = 0.0;
    for (var j: u32 = 0u; j < params.k_seq; j = j + 1u) {
        var score: f32 = 0.0;
        for (var d: u32 = 0u; d < params.head_dim; d = d + 1u) {
            score = score + q[q_base + d] * k[k_base + j * params.head_dim + d];
        }
        score = score * params.scale;
        if (params.softcap != 1.0) {
            score = params.softcap * tanh(score / params.softcap);
        }

        let new_max = max(run_max, score);
        let correction = exp(run_max - new_max);
        let w = exp(score - new_max);
        run_sum = run_sum * correction + w;
        for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
            acc[d] = acc[d] * correction + w * v[v_base + j * params.v_dim + d];
        }
        run_max = new_max;
    }

    let inv = 1.0 / run_sum;
    let out_base = (bh * params.q_seq + qi) * params.v_dim;
    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
        result[out_base + d] = acc[d] * inv;
    }
}
`
