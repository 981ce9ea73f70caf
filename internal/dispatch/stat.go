package dispatch

// Values are read and modified atomically, but not consistently, i.e. it is
// possible to read Count=1 Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	Recv      CountSize
	Sent      CountSize
	Malformed expvar.Int
	NotFound  expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"recv":%s,"sent":%s,"malformed":%d,"notfound":%d}`,
		s.Recv.String(), s.Sent.String(), s.Malformed.Value(), s.NotFound.Value())
}

type CountSize struct {
	Count expvar.Int
	Size  expvar.Int
}

func (cs *CountSize) Register(size int) {
	cs.Count.Add(1)
	cs.Size.Add(int64(size))
}

func (cs *CountSize) String() string {
	return fmt.Sprintf(`{"count":%d,"size":%d}`, cs.Count.Value(), cs.Size.Value())
}
