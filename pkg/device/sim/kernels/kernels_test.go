package kernels

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/samcharles93/culapack/internal/registry"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/device/sim"
)

func TestImagesResolveEveryKey(t *testing.T) {
	t.Parallel()
	images := Images()
	for _, p := range []blas.Precision{blas.Single, blas.Double, blas.Complex, blas.DoubleComplex} {
		for _, f := range registry.Families() {
			prog, ok := images[registry.ImageName(f, p)]
			if !ok {
				t.Fatalf("no image %s", registry.ImageName(f, p))
			}
			for _, k := range registry.Keys(f, p) {
				if prog[k.Name()] == nil {
					t.Fatalf("%s: no kernel %s", registry.ImageName(f, p), k.Name())
				}
			}
		}
	}
}

// upload copies a dense host matrix into fresh device memory.
func upload[T blas.Scalar](t *testing.T, ctx device.Context, s device.Stream, v blas.View[T]) device.Ptr {
	t.Helper()
	size := max(1, len(v.Data)) * device.SizeOf[T]()
	p, err := ctx.MemAlloc(size)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Data) == 0 {
		return p
	}
	b := device.Bytes(v.Data)
	err = s.Memcpy2DAsync(device.Copy2D{
		SrcType: device.HostMemory, SrcHost: b, SrcPitch: len(b),
		DstType: device.DeviceMemory, DstDevice: p, DstPitch: len(b),
		WidthBytes: len(b), Height: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func download[T blas.Scalar](t *testing.T, s device.Stream, p device.Ptr, out []T) {
	t.Helper()
	b := device.Bytes(out)
	err := s.Memcpy2DAsync(device.Copy2D{
		SrcType: device.DeviceMemory, SrcDevice: p, SrcPitch: len(b),
		DstType: device.HostMemory, DstHost: b, DstPitch: len(b),
		WidthBytes: len(b), Height: 1,
	})
	if err == nil {
		err = s.Synchronize()
	}
	if err != nil {
		t.Fatal(err)
	}
}

func setup(t *testing.T, image string) (device.Context, device.Module, device.Stream) {
	t.Helper()
	ctx, err := sim.New(sim.Config{Images: Images()}).CreateContext(0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ctx.Destroy() })
	mod, err := ctx.LoadModule(device.Image{Name: image})
	if err != nil {
		t.Fatal(err)
	}
	s, err := ctx.CreateStream()
	if err != nil {
		t.Fatal(err)
	}
	return ctx, mod, s
}

func filled(rows, cols int, f func(i, j int) float64) blas.View[float64] {
	v := blas.Dense[float64](rows, cols)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			v.Set(i, j, f(i, j))
		}
	}
	return v
}

func filledZ(rows, cols int, f func(i, j int) complex128) blas.View[complex128] {
	v := blas.Dense[complex128](rows, cols)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			v.Set(i, j, f(i, j))
		}
	}
	return v
}

func TestGemmKernelInPlace(t *testing.T) {
	t.Parallel()
	const m, n, k = 70, 19, 5
	ctx, mod, s := setup(t, "dgemm")
	a := filled(m, k, func(i, j int) float64 { return float64(i - 2*j) })
	b := filled(k, n, func(i, j int) float64 { return float64(i+j) / 4 })
	c := filled(m, n, func(i, j int) float64 { return float64(i * j % 7) })
	key := registry.GemmKey(blas.Double, blas.NoTrans, blas.NoTrans)
	fn, err := mod.Function(key.Name())
	if err != nil {
		t.Fatal(err)
	}
	ap, bp, cp := upload(t, ctx, s, a), upload(t, ctx, s, b), upload(t, ctx, s, c)
	grid := device.Dim3{X: (m + key.MB - 1) / key.MB, Y: (n + key.NB - 1) / key.NB, Z: 1}
	block := device.Dim3{X: key.BX, Y: key.BY, Z: 1}
	if err := s.Launch(fn, grid, block, m, n, k, 2.0, ap, m, bp, k, 0.5, cp, m); err != nil {
		t.Fatal(err)
	}
	got := blas.Dense[float64](m, n)
	download(t, s, cp, got.Data)

	want := c.Clone()
	if err := (blas.Impl[float64]{}).Gemm(blas.NoTrans, blas.NoTrans, m, n, k, 2, a, b, 0.5, want); err != nil {
		t.Fatal(err)
	}
	for i := range want.Data {
		if math.Abs(got.Data[i]-want.Data[i]) > 1e-12 {
			t.Fatalf("C[%d] = %v, want %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestGemmKernelOutOfPlace(t *testing.T) {
	t.Parallel()
	const m, n, k = 70, 19, 5
	ctx, mod, s := setup(t, "zgemm")
	a := filledZ(m, k, func(i, j int) complex128 { return complex(float64(i-2*j), float64(j)) })
	b := filledZ(k, n, func(i, j int) complex128 { return complex(float64(i+j)/4, -1) })
	c := filledZ(m, n, func(i, j int) complex128 { return complex(float64(i*j%7), float64(i%3)) })
	key := registry.GemmKey(blas.DoubleComplex, blas.NoTrans, blas.NoTrans)
	fn, err := mod.Function(key.Name())
	if err != nil {
		t.Fatal(err)
	}
	ap, bp, cp := upload(t, ctx, s, a), upload(t, ctx, s, b), upload(t, ctx, s, c)
	dp := upload(t, ctx, s, blas.Dense[complex128](m, n))
	grid := device.Dim3{X: (m + key.MB - 1) / key.MB, Y: (n + key.NB - 1) / key.NB, Z: 1}
	block := device.Dim3{X: key.BX, Y: key.BY, Z: 1}
	alpha, beta := complex(2, 1), complex(0.5, 0)
	if err := s.Launch(fn, grid, block, alpha, beta, ap, bp, cp, dp, m, k, m, m, m, n, k); err != nil {
		t.Fatal(err)
	}
	got := blas.Dense[complex128](m, n)
	download(t, s, dp, got.Data)

	want := c.Clone()
	if err := (blas.Impl[complex128]{}).Gemm(blas.NoTrans, blas.NoTrans, m, n, k, alpha, a, b, beta, want); err != nil {
		t.Fatal(err)
	}
	for i := range want.Data {
		if cmplx.Abs(got.Data[i]-want.Data[i]) > 1e-12 {
			t.Fatalf("D[%d] = %v, want %v", i, got.Data[i], want.Data[i])
		}
	}
	untouched := blas.Dense[complex128](m, n)
	download(t, s, cp, untouched.Data)
	for i := range c.Data {
		if untouched.Data[i] != c.Data[i] {
			t.Fatal("out-of-place gemm wrote C")
		}
	}
}

func TestGemmKernelZeroAlphaScalesIntoD(t *testing.T) {
	t.Parallel()
	const m, n = 9, 9
	ctx, mod, s := setup(t, "zgemm")
	c := filledZ(m, n, func(i, j int) complex128 { return complex(float64(i+j), 1) })
	key := registry.GemmKey(blas.DoubleComplex, blas.ConjTrans, blas.NoTrans)
	fn, err := mod.Function(key.Name())
	if err != nil {
		t.Fatal(err)
	}
	cp := upload(t, ctx, s, c)
	dp := upload(t, ctx, s, blas.Dense[complex128](m, n))
	grid := device.Dim3{X: (m + key.MB - 1) / key.MB, Y: (n + key.NB - 1) / key.NB, Z: 1}
	block := device.Dim3{X: key.BX, Y: key.BY, Z: 1}
	if err := s.Launch(fn, grid, block, complex128(0), complex128(3), device.Ptr(0), device.Ptr(0), cp, dp, 4, 4, m, m, m, n, 4); err != nil {
		t.Fatal(err)
	}
	got := make([]complex128, m*n)
	download(t, s, dp, got)
	for i, v := range got {
		if v != 3*c.Data[i] {
			t.Fatalf("D[%d] = %v", i, v)
		}
	}
}

func TestReduceKernelPartialSums(t *testing.T) {
	t.Parallel()
	const n, incx = 3000, 2
	ctx, mod, s := setup(t, "slogdet")
	x := make([]float32, (n-1)*incx+1)
	var want float64
	for i := 0; i < n; i++ {
		x[i*incx] = float32(1 + i%5)
		want += math.Log(float64(x[i*incx]))
	}
	key, blocks := registry.LogdetKey(blas.Single, n)
	fn, err := mod.Function(key.Name())
	if err != nil {
		t.Fatal(err)
	}
	xp := upload(t, ctx, s, blas.View[float32]{Data: x, Ld: len(x), Rows: len(x), Cols: 1})
	tp, err := ctx.MemAlloc(blocks * 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Launch(fn, device.Dim3{X: blocks, Y: 1, Z: 1}, device.Dim3{X: key.Threads, Y: 1, Z: 1}, xp, tp, incx, n); err != nil {
		t.Fatal(err)
	}
	partial := make([]float32, blocks)
	download(t, s, tp, partial)
	var got float64
	for _, p := range partial {
		got += float64(p)
	}
	if math.Abs(got-want) > 1e-3*math.Abs(want) {
		t.Fatalf("sum %v, want %v", got, want)
	}
}
