package consistenthash

import (
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/twmb/murmur3"
)

// Hash 定义哈希函数
type Hash func(data []byte) uint32

// DefaultReplicas 每个权重单位对应的虚拟节点数
const DefaultReplicas = 50

// Ring 一致性哈希环，用于在多个节点之间划分频道的归属
type Ring struct {
	mu       sync.RWMutex
	hash     Hash
	replicas int
	keys     []uint32          // 排序的哈希环位置
	hashMap  map[uint32]string // 虚拟节点到真实节点
	weights  map[string]int    // 真实节点及其权重
}

// New 创建哈希环，fn 为 nil 时使用 murmur3
func New(replicas int, fn Hash) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if fn == nil {
		fn = murmur3.Sum32
	}
	return &Ring{
		replicas: replicas,
		hash:     fn,
		hashMap:  make(map[uint32]string),
		weights:  make(map[string]int),
	}
}

// Add 以权重 1 加入节点
func (r *Ring) Add(nodes ...string) {
	for _, node := range nodes {
		r.AddWeighted(node, 1)
	}
}

// AddWeighted 加入节点，虚拟节点数 = replicas * weight
// 已存在的节点或空节点被忽略
func (r *Ring) AddWeighted(node string, weight int) {
	if node == "" {
		return
	}
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.weights[node]; ok {
		return
	}
	r.weights[node] = weight
	for i := 0; i < r.replicas*weight; i++ {
		h := r.hash([]byte(node + "#" + strconv.Itoa(i)))
		r.keys = append(r.keys, h)
		r.hashMap[h] = node
	}
	slices.Sort(r.keys)
}

// Remove 移除节点及其所有虚拟节点
func (r *Ring) Remove(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		weight, ok := r.weights[node]
		if !ok {
			continue
		}
		delete(r.weights, node)
		for i := 0; i < r.replicas*weight; i++ {
			h := r.hash([]byte(node + "#" + strconv.Itoa(i)))
			if r.hashMap[h] == node {
				delete(r.hashMap, h)
			}
		}
	}

	r.keys = r.keys[:0]
	for k := range r.hashMap {
		r.keys = append(r.keys, k)
	}
	slices.Sort(r.keys)
}

// Get 返回顺时针方向最近的节点，环为空时返回 ""
func (r *Ring) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return ""
	}

	h := r.hash([]byte(key))
	idx := sort.Search(len(r.keys), func(i int) bool {
		return r.keys[i] >= h
	})
	if idx == len(r.keys) {
		idx = 0
	}
	return r.hashMap[r.keys[idx]]
}

// Owns reports whether key maps to node. An empty ring owns nothing.
func (r *Ring) Owns(node, key string) bool {
	n := r.Get(key)
	return n != "" && n == node
}

// Nodes 返回所有真实节点（有序）
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.weights))
	for node := range r.weights {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

// Size 返回真实节点数量
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.weights)
}
