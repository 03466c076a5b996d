package orchestrator

// CachedOrders reports how many orders are held in memory.
func (o *Orchestrator) CachedOrders() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.orders)
}
