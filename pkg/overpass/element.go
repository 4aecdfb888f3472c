package overpass

import "github.com/Kirorus/osm-batch-downloader/pkg/osm"

// Payload is a decoded Overpass JSON response body.
type Payload struct {
	Elements []Element `json:"elements"`
}

// Element is one Overpass output element. Overpass responses mix
// relations, ways and nodes in a single array; the Type field
// discriminates and only the matching fields are populated.
type Element struct {
	Type     string   `json:"type"`
	ID       int64    `json:"id"`
	Tags     osm.Tags `json:"tags,omitempty"`
	Members  []Member `json:"members,omitempty"`  // relation
	Nodes    []int64  `json:"nodes,omitempty"`    // way node refs
	Geometry []LatLon `json:"geometry,omitempty"` // way inline geometry
	Lat      float64  `json:"lat,omitempty"`      // node
	Lon      float64  `json:"lon,omitempty"`      // node
	Center   *LatLon  `json:"center,omitempty"`
	Bounds   *Bounds  `json:"bounds,omitempty"`
}

// Member is a relation member reference.
type Member struct {
	Type string `json:"type"`
	Ref  int64  `json:"ref"`
	Role string `json:"role"`
}

// LatLon is a geographic point as delivered by Overpass.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Bounds is an Overpass bounding box.
type Bounds struct {
	MinLat float64 `json:"minlat"`
	MinLon float64 `json:"minlon"`
	MaxLat float64 `json:"maxlat"`
	MaxLon float64 `json:"maxlon"`
}

// IsRelation reports whether the element is the relation with the given id.
func (e *Element) IsRelation(id int64) bool {
	return e.Type == "relation" && e.ID == id
}

// FindRelation returns the relation element with the given id, or nil.
func (p *Payload) FindRelation(id int64) *Element {
	for i := range p.Elements {
		if p.Elements[i].IsRelation(id) {
			return &p.Elements[i]
		}
	}
	return nil
}
