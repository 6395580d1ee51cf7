package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-lesionseg/layers"
)

// Field numbers from onnx.proto.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName protowire.Number = 1
	attrF    protowire.Number = 2
	attrI    protowire.Number = 3
	attrS    protowire.Number = 4
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	valueInfoName   protowire.Number = 1
	valueInfoType   protowire.Number = 2
	typeTensorType  protowire.Number = 1
	tensorTypeElem  protowire.Number = 1
	tensorTypeShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimensionValue  protowire.Number = 1
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13
	onnxFloat     = 1 // TensorProto.FLOAT

	attrKindFloat  = 1
	attrKindInt    = 2
	attrKindString = 3
	attrKindInts   = 7
)

type onnxAttr struct {
	name string
	kind int
	f    float32
	i    int64
	s    string
	ints []int64
}

type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   []onnxAttr
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func (a onnxAttr) encode() []byte {
	b := appendString(nil, attrName, a.name)
	switch a.kind {
	case attrKindFloat:
		b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attrKindInt:
		b = appendVarint(b, attrI, a.i)
	case attrKindString:
		b = appendString(b, attrS, a.s)
	case attrKindInts:
		for _, v := range a.ints {
			b = appendVarint(b, attrInts, v)
		}
	}
	return appendVarint(b, attrType, int64(a.kind))
}

func (n onnxNode) encode() []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendString(b, nodeInput, in)
	}
	for _, out := range n.outputs {
		b = appendString(b, nodeOutput, out)
	}
	b = appendString(b, nodeName, n.name)
	b = appendString(b, nodeOpType, n.opType)
	for _, a := range n.attrs {
		b = appendMessage(b, nodeAttribute, a.encode())
	}
	return b
}

func encodeTensor(w WeightTensor) []byte {
	var b []byte
	for _, d := range w.Shape {
		b = appendVarint(b, tensorDims, int64(d))
	}
	b = appendVarint(b, tensorDataType, onnxFloat)
	packed := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = appendMessage(b, tensorFloatData, packed)
	return appendString(b, tensorName, w.Name)
}

func encodeValueInfo(name string, shape []int) []byte {
	var dims []byte
	for _, d := range shape {
		dims = appendMessage(dims, shapeDim, appendVarint(nil, dimensionValue, int64(d)))
	}
	tensorType := appendVarint(nil, tensorTypeElem, onnxFloat)
	tensorType = appendMessage(tensorType, tensorTypeShape, dims)
	b := appendString(nil, valueInfoName, name)
	return appendMessage(b, valueInfoType, appendMessage(nil, typeTensorType, tensorType))
}

func ints(v ...int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

// graphBuilder chains layer nodes and collects the initializers they use.
type graphBuilder struct {
	weights      map[string]WeightTensor
	nodes        []onnxNode
	initializers []WeightTensor
	current      string
}

func (g *graphBuilder) use(name string) (string, error) {
	w, ok := g.weights[name]
	if !ok {
		return "", fmt.Errorf("missing weight %s", name)
	}
	g.initializers = append(g.initializers, w)
	return name, nil
}

func (g *graphBuilder) add(name, opType string, extraInputs []string, attrs ...onnxAttr) {
	out := name + ".out"
	g.nodes = append(g.nodes, onnxNode{
		name:    name,
		opType:  opType,
		inputs:  append([]string{g.current}, extraInputs...),
		outputs: []string{out},
		attrs:   attrs,
	})
	g.current = out
}

func (g *graphBuilder) addLayer(prefix string, layer layers.LayerSpec) error {
	switch layer.Type {
	case layers.Conv2D:
		var inputs []string
		for _, suffix := range []string{".weight", ".bias"} {
			if suffix == ".bias" && len(layer.ParameterNames) < 2 {
				continue
			}
			name, err := g.use(prefix + suffix)
			if err != nil {
				return err
			}
			inputs = append(inputs, name)
		}
		k := layer.IntParam("kernel_size", 3)
		s := layer.IntParam("stride", 1)
		p := layer.IntParam("padding", 0)
		g.add(prefix, "Conv", inputs,
			onnxAttr{name: "kernel_shape", kind: attrKindInts, ints: ints(k, k)},
			onnxAttr{name: "strides", kind: attrKindInts, ints: ints(s, s)},
			onnxAttr{name: "pads", kind: attrKindInts, ints: ints(p, p, p, p)})
	case layers.BatchNorm:
		var inputs []string
		for _, suffix := range []string{".weight", ".bias", ".running_mean", ".running_var"} {
			name, err := g.use(prefix + suffix)
			if err != nil {
				return err
			}
			inputs = append(inputs, name)
		}
		g.add(prefix, "BatchNormalization", inputs,
			onnxAttr{name: "epsilon", kind: attrKindFloat, f: layer.FloatParam("eps", 1e-5)},
			onnxAttr{name: "momentum", kind: attrKindFloat, f: 1 - layer.FloatParam("momentum", 0.1)})
	case layers.LeakyReLU:
		g.add(prefix, "LeakyRelu", nil,
			onnxAttr{name: "alpha", kind: attrKindFloat, f: layer.FloatParam("negative_slope", 0.01)})
	case layers.Sigmoid:
		g.add(prefix, "Sigmoid", nil)
	case layers.Upsample:
		scale := float32(layer.IntParam("scale", 2))
		scales := WeightTensor{Name: prefix + ".scales", Shape: []int{4}, Data: []float32{1, 1, scale, scale}}
		g.initializers = append(g.initializers, scales)
		g.add(prefix, "Resize", []string{"", scales.Name},
			onnxAttr{name: "mode", kind: attrKindString, s: "linear"},
			onnxAttr{name: "coordinate_transformation_mode", kind: attrKindString, s: "align_corners"})
	case layers.Dropout:
		g.add(prefix, "Dropout", nil)
	default:
		return fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type)
	}
	return nil
}

// ExportWeights writes the parts as one ONNX inference graph whose
// initializers carry the weights. Weight names are "<part>.<layer>.<param>".
func ExportWeights(path string, parts []ModelPart, weights []WeightTensor) error {
	if len(parts) == 0 {
		return fmt.Errorf("no model parts to export")
	}

	g := &graphBuilder{weights: make(map[string]WeightTensor, len(weights)), current: "input"}
	for _, w := range weights {
		g.weights[w.Name] = w
	}
	for _, part := range parts {
		for _, layer := range part.Spec.Layers {
			prefix := layer.Name
			if part.Name != "" {
				prefix = part.Name + "." + layer.Name
			}
			if err := g.addLayer(prefix, layer); err != nil {
				return fmt.Errorf("failed to create ONNX node for layer %s: %w", prefix, err)
			}
		}
	}

	graph := appendString(nil, graphName, "lesionseg")
	for _, n := range g.nodes {
		graph = appendMessage(graph, graphNode, n.encode())
	}
	for _, w := range g.initializers {
		graph = appendMessage(graph, graphInitializer, encodeTensor(w))
	}
	graph = appendMessage(graph, graphInput, encodeValueInfo("input", parts[0].Spec.InputShape))
	graph = appendMessage(graph, graphOutput, encodeValueInfo(g.current, parts[len(parts)-1].Spec.OutputShape))

	opset := appendString(nil, opsetDomain, "")
	opset = appendVarint(opset, opsetVersion, onnxOpset)

	model := appendVarint(nil, modelIRVersion, onnxIRVersion)
	model = appendString(model, modelProducerName, "go-lesionseg")
	model = appendString(model, modelProducerVersion, "1.0.0")
	model = appendVarint(model, modelVersion, 1)
	model = appendMessage(model, modelGraph, graph)
	model = appendMessage(model, modelOpsetImport, opset)

	if err := os.WriteFile(path, model, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// forEachField walks the top-level fields of one encoded message.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(value []byte) ([]byte, error) {
	v, n := protowire.ConsumeBytes(value)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return v, nil
}

func consumeVarint(value []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(value)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

// decodeTensor reads a TensorProto. ok is false for non-float tensors,
// which carry shapes or indices rather than weights.
func decodeTensor(b []byte) (w WeightTensor, ok bool, err error) {
	var dataType uint64
	var raw []byte
	err = forEachField(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case tensorDims:
			if typ == protowire.BytesType {
				packed, err := consumeBytes(value)
				if err != nil {
					return err
				}
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					w.Shape = append(w.Shape, int(v))
					packed = packed[n:]
				}
				return nil
			}
			v, err := consumeVarint(value)
			w.Shape = append(w.Shape, int(v))
			return err
		case tensorDataType:
			v, err := consumeVarint(value)
			dataType = v
			return err
		case tensorFloatData:
			if typ == protowire.BytesType {
				packed, err := consumeBytes(value)
				if err != nil {
					return err
				}
				for len(packed) >= 4 {
					w.Data = append(w.Data, math.Float32frombits(binary.LittleEndian.Uint32(packed)))
					packed = packed[4:]
				}
				return nil
			}
			v, n := protowire.ConsumeFixed32(value)
			if n < 0 {
				return protowire.ParseError(n)
			}
			w.Data = append(w.Data, math.Float32frombits(v))
			return nil
		case tensorName:
			v, err := consumeBytes(value)
			w.Name = string(v)
			return err
		case tensorRawData:
			v, err := consumeBytes(value)
			raw = v
			return err
		}
		return nil
	})
	if err != nil || dataType != onnxFloat {
		return w, false, err
	}

	if raw != nil {
		if len(raw)%4 != 0 {
			return w, false, fmt.Errorf("initializer %s: raw data of %d bytes is not float32", w.Name, len(raw))
		}
		w.Data = make([]float32, len(raw)/4)
		for i := range w.Data {
			w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}

	expected := 1
	for _, d := range w.Shape {
		expected *= d
	}
	if expected != len(w.Data) {
		return w, false, fmt.Errorf("initializer %s: shape %v needs %d values, found %d", w.Name, w.Shape, expected, len(w.Data))
	}
	return w, true, nil
}

// ImportWeights reads the float initializers of an ONNX model, in file
// order. The graph structure is not interpreted; weights are matched to a
// model by name with LoadWeights.
func ImportWeights(path string) ([]WeightTensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}

	var graph []byte
	err = forEachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num == modelGraph && typ == protowire.BytesType {
			v, err := consumeBytes(value)
			graph = v
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}
	if graph == nil {
		return nil, fmt.Errorf("ONNX file %s has no graph", path)
	}

	var weights []WeightTensor
	err = forEachField(graph, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		msg, err := consumeBytes(value)
		if err != nil {
			return err
		}
		w, ok, err := decodeTensor(msg)
		if err != nil {
			return err
		}
		if ok {
			weights = append(weights, w)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX graph: %w", err)
	}
	return weights, nil
}
