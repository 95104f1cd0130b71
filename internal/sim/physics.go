package sim

// integrate moves e by dt milliseconds and reflects it off the world bounds.
func integrate(e Entity, dt float64) Entity {
	e.Pos = e.Pos.Add(e.Vel.Scale(dt / 1000))
	e.Pos.X, e.Vel.X = reflect1(e.Pos.X, e.Vel.X)
	e.Pos.Y, e.Vel.Y = reflect1(e.Pos.Y, e.Vel.Y)
	return e
}

func reflect1(p, v float64) (float64, float64) {
	switch {
	case p < 0:
		return min(-p, WorldSize), -v
	case p > WorldSize:
		return max(2*WorldSize-p, 0), -v
	}
	return p, v
}

// shard returns the entity indexes handled by worker w of n.
func shard(count, w, n int) []int {
	var out []int
	for i := w; i < count; i += n {
		out = append(out, i)
	}
	return out
}
