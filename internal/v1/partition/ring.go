package partition

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// virtualNodesPerPartition spreads each partition across the hash space so
// adding or removing a partition only remaps ~1/N of keys.
const virtualNodesPerPartition = 200

type vnode struct {
	hash      uint32
	partition int
}

// ring is an immutable consistent-hash ring over partition indexes.
type ring struct {
	vnodes []vnode
}

func newRing(partitions int) *ring {
	r := &ring{vnodes: make([]vnode, 0, partitions*virtualNodesPerPartition)}
	for p := 0; p < partitions; p++ {
		for v := 0; v < virtualNodesPerPartition; v++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("partition-%d#%d", p, v)))
			r.vnodes = append(r.vnodes, vnode{hash: h, partition: p})
		}
	}
	sort.Slice(r.vnodes, func(i, j int) bool { return r.vnodes[i].hash < r.vnodes[j].hash })
	return r
}

// pick returns the partition owning the routing key.
func (r *ring) pick(key string) int {
	if len(r.vnodes) == 0 {
		return 0
	}
	h := crc32.ChecksumIEEE([]byte(key))
	i := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= h })
	if i == len(r.vnodes) {
		i = 0
	}
	return r.vnodes[i].partition
}
