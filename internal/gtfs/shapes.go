package gtfs

import (
	"strconv"

	"github.com/paulmach/orb"
)

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// shapeRows turns a trip path into shapes.txt rows.
func shapeRows(shapeID string, path orb.LineString) [][]string {
	rows := make([][]string, 0, len(path))
	for i, p := range path {
		rows = append(rows, []string{shapeID, formatCoord(p.Lon()), formatCoord(p.Lat()), strconv.Itoa(i + 1)})
	}
	return rows
}
