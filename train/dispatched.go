package train

import "time"

// bucket groups trains that share an identical departure timestamp; trains
// within a bucket are promoted to the send queue FIFO (spec §3 "ties broken
// FIFO", §8).
type bucket struct {
	departure time.Time
	trains    []*Train
}

// dispatchedTrains is an ordered mapping from departure timestamp to the
// trains ready to depart at that time, always kept sorted ascending by
// departure so Promote can take every due bucket in order.
type dispatchedTrains struct {
	buckets []*bucket
}

// insert finalizes t into the dispatched structure at t.Departure,
// appending to an existing bucket (preserving arrival order, i.e. FIFO) or
// creating a new one in sorted position.
func (d *dispatchedTrains) insert(t *Train) {
	for _, b := range d.buckets {
		if b.departure.Equal(t.Departure) {
			b.trains = append(b.trains, t)
			return
		}
	}
	nb := &bucket{departure: t.Departure, trains: []*Train{t}}
	i := 0
	for ; i < len(d.buckets); i++ {
		if d.buckets[i].departure.After(t.Departure) {
			break
		}
	}
	d.buckets = append(d.buckets, nil)
	copy(d.buckets[i+1:], d.buckets[i:])
	d.buckets[i] = nb
}

// promoteDue removes and returns, in departure/FIFO order, every train
// whose departure is <= now (spec §4.3 "Dispatch").
func (d *dispatchedTrains) promoteDue(now time.Time) []*Train {
	var out []*Train
	i := 0
	for ; i < len(d.buckets); i++ {
		if d.buckets[i].departure.After(now) {
			break
		}
		out = append(out, d.buckets[i].trains...)
	}
	d.buckets = d.buckets[i:]
	return out
}

// nextDeparture returns the earliest pending departure and whether any
// bucket exists at all.
func (d *dispatchedTrains) nextDeparture() (time.Time, bool) {
	if len(d.buckets) == 0 {
		return time.Time{}, false
	}
	return d.buckets[0].departure, true
}

func (d *dispatchedTrains) pendingBytes() int {
	n := 0
	for _, b := range d.buckets {
		for _, t := range b.trains {
			n += t.size()
		}
	}
	return n
}
