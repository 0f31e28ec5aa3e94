// Package mapper converts geometries into H3 cell coverage.
package mapper

import (
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geo-align/internal/core/model"
)

type Interface interface {
	CellsForBBox(bb model.BBox, res int) (model.Cells, error)
	CellsForGeometry(g orb.Geometry, res int) (model.Cells, error)
}
