package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = alpha*op(a)*op(b) + beta*c on row-major slices.
// a is stored as ar×ac and b as br×bc before the optional transposes.
func gemm(transA, transB bool, ar, ac int, a []float32, br, bc int, b []float32, alpha, beta float32, c []float32) {
	ta, tb := blas.NoTrans, blas.NoTrans
	m, n := ar, bc
	if transA {
		ta = blas.Trans
		m = ac
	}
	if transB {
		tb = blas.Trans
		n = br
	}
	blas32.Gemm(ta, tb, alpha, general(ar, ac, a), general(br, bc, b), beta, general(m, n, c))
}
