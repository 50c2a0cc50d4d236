package syncache

// arm schedules the next retransmit for the entry at its current backoff
// step. Each arm takes a fresh token so that a callback already in flight
// for an earlier arm, or for a removed entry, finds a mismatch and returns.
func (c *Cache) arm(idx int32) {
	e := c.arena.at(idx)
	e.rxtCur = c.cfg.rto(e.rxtShift)
	e.token++
	h, tok := c.arena.handle(idx), e.token
	e.timer = c.clock.AfterFunc(e.rxtCur, func() { c.fire(h, tok) })
}

func (c *Cache) cancel(e *Entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.token++
}

// fire runs a retransmit step: give up after the last backoff step or once
// the keep-alive budget is spent, otherwise resend and re-arm.
func (c *Cache) fire(h Handle, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, e := c.arena.resolve(h)
	if e == nil || e.token != token {
		return
	}
	e.timer = nil
	if e.rxtShift >= c.cfg.MaxRetransmits {
		c.expire(idx)
		return
	}
	e.rxtTot += e.rxtCur
	if e.rxtTot >= c.cfg.KeepInit {
		c.expire(idx)
		return
	}
	inc(&c.stats.Retransmitted)
	c.send(e)
	e.rxtShift++
	c.arm(idx)
}

func (c *Cache) expire(idx int32) {
	e := c.arena.at(idx)
	c.log.Debugf("half-open %s -> %s timed out after %d retransmits", e.src, e.dst, e.rxtShift)
	c.drop(idx)
	inc(&c.stats.TimedOut)
}
