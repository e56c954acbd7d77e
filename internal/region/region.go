// Package region находит связные области клеток клейма.
package region

import (
	"github.com/annel0/mmo-territory/internal/territory"
)

// CellSet множество клеток, по которому идёт обход
type CellSet interface {
	HasCell(key territory.CellKey) bool
}

// Connected возвращает связную по 4-соседству область, содержащую start.
// Обход ограничен клетками из cells в мире start. Результат всегда содержит
// start, даже если cells пусто или nil. Порядок детерминирован.
func Connected(cells CellSet, start territory.CellKey) []territory.CellKey {
	visited := map[territory.CellKey]bool{start: true}
	out := []territory.CellKey{start}

	if cells == nil {
		return out
	}

	queue := []territory.CellKey{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, n := range cur.Pos().Neighbors4() {
			next := territory.NewCellKey(start.World, n)
			if visited[next] || !cells.HasCell(next) {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}

	territory.SortKeys(out)
	return out
}

// Keys множество клеток из среза
type Keys map[territory.CellKey]struct{}

// NewKeys собирает множество
func NewKeys(keys ...territory.CellKey) Keys {
	s := make(Keys, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s Keys) HasCell(key territory.CellKey) bool {
	_, ok := s[key]
	return ok
}

// Components разбивает клетки клейма на связные области
func Components(cells CellSet, keys []territory.CellKey) [][]territory.CellKey {
	seen := make(map[territory.CellKey]bool, len(keys))
	sorted := append([]territory.CellKey(nil), keys...)
	territory.SortKeys(sorted)

	var out [][]territory.CellKey
	for _, k := range sorted {
		if seen[k] {
			continue
		}
		comp := Connected(cells, k)
		for _, c := range comp {
			seen[c] = true
		}
		out = append(out, comp)
	}
	return out
}
