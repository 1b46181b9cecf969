package rules

// Material counts pieces by kind. Kings are never captured and are not counted.
type Material struct {
	Queens  int `json:"q"`
	Rooks   int `json:"r"`
	Bishops int `json:"b"`
	Knights int `json:"n"`
	Pawns   int `json:"p"`
}

// Points returns the conventional material value
func (m Material) Points() int {
	return 9*m.Queens + 5*m.Rooks + 3*m.Bishops + 3*m.Knights + m.Pawns
}

// missing returns what is in base but no longer in m. Promotions can leave more
// pieces of a kind on the board than at the start; those count as zero captured.
func (m Material) missing(base Material) Material {
	return Material{
		Queens:  atLeastZero(base.Queens - m.Queens),
		Rooks:   atLeastZero(base.Rooks - m.Rooks),
		Bishops: atLeastZero(base.Bishops - m.Bishops),
		Knights: atLeastZero(base.Knights - m.Knights),
		Pawns:   atLeastZero(base.Pawns - m.Pawns),
	}
}

func atLeastZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Tally holds the material each side has captured from the other
type Tally struct {
	White Material `json:"w"`
	Black Material `json:"b"`
}

// Advantage returns White's material lead in points, negative when Black is ahead
func (t Tally) Advantage() int {
	return t.White.Points() - t.Black.Points()
}
