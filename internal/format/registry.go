package format

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"net/http"

	"github.com/pspoerri/tilecache/internal/logging"
)

// Format names a payload representation. It is the alphabet referenced by
// CacheRecord.format in the cache core — opaque to the core itself, owned
// entirely by the registry.
type Format string

const (
	// RGBA is the in-memory decoded representation every other format
	// routes through: there is no direct jpeg<->webp edge, only
	// jpeg<->rgba and webp<->rgba, so a path between two encoded formats
	// is always at least two edges.
	RGBA      Format = "rgba"
	JPEG      Format = "jpeg"
	PNG       Format = "png"
	WebP      Format = "webp"
	Terrarium Format = "terrarium"
)

// Edge is one step of a conversion path: a transform from Origin to Target.
// Transform runs synchronously; the cache core is responsible for running it
// off the calling goroutine (see internal/record).
type Edge struct {
	Origin    Format
	Target    Format
	Transform func(data any) (any, error)
}

// Registry is the external conversion collaborator consumed by CacheRecord.
// Transform/Convert/Copy report failure by returning a falsy value (nil),
// which triggers a rollback in the caller, rather than relying on the error
// return; Go's error return is kept alongside purely for diagnostics and is
// never required to be checked by callers that only care about the
// falsy/not-falsy distinction.
type Registry interface {
	// GetConversionPath returns the shortest sequence of edges routing
	// from to to, or ok=false if no path exists.
	GetConversionPath(from, to Format) (path []Edge, ok bool)
	// Convert is a one-shot convenience equivalent to resolving the
	// conversion path and applying it in full.
	Convert(data any, from, to Format) (any, error)
	// Copy returns a deep copy of data in the given format.
	Copy(data any, typ Format) (any, error)
	// Destroy releases any resources held by data. Many formats (e.g.
	// encoded byte slices) are no-ops; RGBA buffers return to a pool.
	Destroy(data any, typ Format)
	// GuessType infers a format tag from the data's shape when the
	// caller didn't supply one.
	GuessType(data any) Format
}

// Graph is a directed multigraph of conversion Edges with BFS shortest-path
// lookup. It has no pack precedent — shortest path over a handful of image
// format nodes is a ~20-line breadth-first search, not something worth a
// graph library dependency for.
type Graph struct {
	edges map[Format][]Edge
}

// NewGraph returns an empty conversion graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[Format][]Edge)}
}

// AddEdge registers a directed conversion step.
func (g *Graph) AddEdge(e Edge) {
	g.edges[e.Origin] = append(g.edges[e.Origin], e)
}

// ShortestPath returns the fewest-edges path from "from" to "to", or
// ok=false if the two formats aren't connected. Identical from/to returns
// an empty, ok=true path.
func (g *Graph) ShortestPath(from, to Format) (path []Edge, ok bool) {
	if from == to {
		return nil, true
	}

	type frame struct {
		node Format
		path []Edge
	}

	visited := map[Format]bool{from: true}
	queue := []frame{{node: from}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, e := range g.edges[cur.node] {
			if visited[e.Target] {
				continue
			}
			next := append(append([]Edge{}, cur.path...), e)
			if e.Target == to {
				return next, true
			}
			visited[e.Target] = true
			queue = append(queue, frame{node: e.Target, path: next})
		}
	}
	return nil, false
}

// DefaultRegistry is the concrete Registry shipped with this module,
// built on top of this package's jpeg/png/webp/terrarium encoders and
// decoders.
type DefaultRegistry struct {
	graph   *Graph
	quality int
	log     logging.Logger
}

// DefaultRegistryConfig configures a DefaultRegistry.
type DefaultRegistryConfig struct {
	// Quality is the JPEG/WebP encode quality, 1-100.
	Quality int
	// Logger receives unreachable-path and rollback diagnostics. A
	// package default is used when nil.
	Logger logging.Logger
}

// NewDefaultRegistry builds a registry wired with rgba<->{jpeg,png,webp,
// terrarium} edges.
func NewDefaultRegistry(cfg DefaultRegistryConfig) *DefaultRegistry {
	quality := cfg.Quality
	if quality <= 0 {
		quality = 85
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	r := &DefaultRegistry{graph: NewGraph(), quality: quality, log: log}

	r.addCodec(JPEG, &JPEGEncoder{Quality: quality})
	r.addCodec(PNG, &PNGEncoder{})
	r.addCodec(Terrarium, &TerrariumEncoder{})
	if enc, err := newWebPEncoder(quality); err == nil {
		r.addCodec(WebP, enc)
	} else {
		log.Warn("registry: webp encoder unavailable, webp is decode-only", "error", err)
		r.graph.AddEdge(Edge{Origin: WebP, Target: RGBA, Transform: r.decodeEdge(WebP)})
	}

	return r
}

func (r *DefaultRegistry) addCodec(f Format, enc Encoder) {
	r.graph.AddEdge(Edge{
		Origin: RGBA,
		Target: f,
		Transform: func(data any) (any, error) {
			img, ok := data.(image.Image)
			if !ok {
				return nil, fmt.Errorf("format: encode %s: payload is not an image.Image (%T)", f, data)
			}
			return enc.Encode(img)
		},
	})
	r.graph.AddEdge(Edge{Origin: f, Target: RGBA, Transform: r.decodeEdge(f)})
}

func (r *DefaultRegistry) decodeEdge(f Format) func(any) (any, error) {
	return func(data any) (any, error) {
		raw, ok := data.([]byte)
		if !ok {
			return nil, fmt.Errorf("format: decode %s: payload is not []byte (%T)", f, data)
		}
		img, err := DecodeImage(raw, string(f))
		if err != nil {
			return nil, err
		}
		return img, nil
	}
}

// GetConversionPath implements Registry.
func (r *DefaultRegistry) GetConversionPath(from, to Format) ([]Edge, bool) {
	path, ok := r.graph.ShortestPath(from, to)
	if !ok {
		r.log.Error("registry: no conversion path", "from", from, "to", to)
	}
	return path, ok
}

// Convert implements Registry.
func (r *DefaultRegistry) Convert(data any, from, to Format) (any, error) {
	path, ok := r.GetConversionPath(from, to)
	if !ok {
		return nil, fmt.Errorf("format: no conversion path from %s to %s", from, to)
	}
	cur := data
	for i, e := range path {
		out, err := e.Transform(cur)
		if err != nil {
			return nil, fmt.Errorf("format: converting %s->%s: %w", e.Origin, e.Target, err)
		}
		if i > 0 {
			r.Destroy(cur, e.Origin)
		}
		cur = out
	}
	return cur, nil
}

// Copy implements Registry.
func (r *DefaultRegistry) Copy(data any, typ Format) (any, error) {
	if typ == RGBA {
		img, ok := data.(image.Image)
		if !ok {
			return nil, fmt.Errorf("format: copy rgba: payload is not an image.Image (%T)", data)
		}
		bounds := img.Bounds()
		dst := GetRGBA(bounds.Dx(), bounds.Dy())
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
		return dst, nil
	}
	raw, ok := data.([]byte)
	if !ok {
		return nil, fmt.Errorf("format: copy %s: payload is not []byte (%T)", typ, data)
	}
	dup := make([]byte, len(raw))
	copy(dup, raw)
	return dup, nil
}

// Destroy implements Registry. RGBA buffers return to the shared pool
// (internal/format/rgbapool.go); encoded byte slices need no explicit
// release, so Destroy is a no-op for them.
func (r *DefaultRegistry) Destroy(data any, typ Format) {
	if typ != RGBA {
		return
	}
	if rgba, ok := data.(*image.RGBA); ok {
		PutRGBA(rgba)
	}
}

// GuessType implements Registry using content sniffing for byte payloads
// and a type assertion for already-decoded images.
func (r *DefaultRegistry) GuessType(data any) Format {
	switch v := data.(type) {
	case image.Image:
		return RGBA
	case []byte:
		return sniff(v)
	default:
		_ = v
		r.log.Warn("registry: guessType could not classify payload", "type", fmt.Sprintf("%T", data))
		return ""
	}
}

func sniff(data []byte) Format {
	ct := http.DetectContentType(data)
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")) && bytes.Contains(data[:12], []byte("WEBP")):
		return WebP
	case ct == "image/jpeg":
		return JPEG
	case ct == "image/png":
		return PNG
	default:
		return PNG
	}
}
