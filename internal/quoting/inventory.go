package quoting

import "sync"

// Inventories holds each user's quoting inventory per symbol. It outlives
// sessions, so a restarted loop picks up where the previous one stopped.
type Inventories struct {
	mu sync.Mutex
	m  map[string]float64
}

func NewInventories() *Inventories {
	return &Inventories{m: make(map[string]float64)}
}

func inventoryKey(userID, symbol string) string {
	return userID + "/" + symbol
}

func (i *Inventories) Get(userID, symbol string) float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.m[inventoryKey(userID, symbol)]
}

// Add moves the inventory by delta and returns the new value.
func (i *Inventories) Add(userID, symbol string, delta float64) float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	k := inventoryKey(userID, symbol)
	i.m[k] += delta
	return i.m[k]
}
