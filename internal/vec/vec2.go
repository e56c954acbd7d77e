package vec

import "math"

// CellShift размер клетки территории в блоках (1 << 4 = 16)
const CellShift = 4

// Vec2 координаты клетки на горизонтальной плоскости
type Vec2 struct {
	X, Z int
}

// Сдвиги 4-соседства: север, юг, восток, запад
var cardinalDirs = [4]Vec2{
	{X: 0, Z: -1},
	{X: 0, Z: 1},
	{X: 1, Z: 0},
	{X: -1, Z: 0},
}

// FromBlock преобразует координаты блока в координаты клетки
func FromBlock(blockX, blockZ int) Vec2 {
	return Vec2{X: blockX >> CellShift, Z: blockZ >> CellShift}
}

// Add возвращает сумму векторов
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{X: v.X + o.X, Z: v.Z + o.Z}
}

// Neighbors4 возвращает соседей по сторонам света
func (v Vec2) Neighbors4() [4]Vec2 {
	var out [4]Vec2
	for i, d := range cardinalDirs {
		out[i] = v.Add(d)
	}
	return out
}

// IsAdjacent true, если клетки соседствуют по стороне
func (v Vec2) IsAdjacent(o Vec2) bool {
	dx := v.X - o.X
	dz := v.Z - o.Z
	return (dx == 0 && (dz == 1 || dz == -1)) || (dz == 0 && (dx == 1 || dx == -1))
}

// ManhattanTo манхэттенское расстояние
func (v Vec2) ManhattanTo(o Vec2) int {
	return absInt(v.X-o.X) + absInt(v.Z-o.Z)
}

// DistanceTo вычисляет евклидово расстояние до другой точки
func (v Vec2) DistanceTo(other Vec2) float64 {
	dx := float64(v.X - other.X)
	dz := float64(v.Z - other.Z)
	return math.Sqrt(dx*dx + dz*dz)
}

// Less порядок по X, затем по Z
func (v Vec2) Less(o Vec2) bool {
	if v.X != o.X {
		return v.X < o.X
	}
	return v.Z < o.Z
}

func absInt(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
