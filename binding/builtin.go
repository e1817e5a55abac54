package binding

import (
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/saacpsi/psistreams/command"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/pipeline"
)

// Builtin returns a registry holding the primitive types, vectors, poses,
// commands and pipeline diagnostics.
func Builtin() *Registry {
	r := NewRegistry()
	MustRegister(r, Serializer[bool]{"bool", format.Bool()})
	MustRegister(r, Serializer[int32]{"int32", format.Int32()})
	MustRegister(r, Serializer[int64]{"int64", format.Int64()})
	MustRegister(r, Serializer[float64]{"float64", format.Float64()})
	MustRegister(r, Serializer[string]{"string", format.String()}, Serializer[string]{"json", format.JSON[string]()})
	MustRegister(r, Serializer[[]byte]{"bytes", format.Bytes()})
	MustRegister(r, Serializer[r3.Vec]{"vec3", format.Vec3()}, Serializer[r3.Vec]{"json", format.JSON[r3.Vec]()})
	MustRegister(r, Serializer[r2.Vec]{"vec2", format.Vec2()}, Serializer[r2.Vec]{"json", format.JSON[r2.Vec]()})
	MustRegister(r, Serializer[format.Pose]{"pose", format.PoseFormat()}, Serializer[format.Pose]{"json", format.JSON[format.Pose]()})
	MustRegister(r, Serializer[command.Message]{"command", command.Format()})
	MustRegister(r, Serializer[pipeline.Diagnostics]{"json", format.JSON[pipeline.Diagnostics]()})
	return r
}
