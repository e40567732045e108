package catalog

import (
	"github.com/bits-and-blooms/bitset"
)

// DefaultDescription 用于目录之外但在存储中出现的频道
const DefaultDescription = "Channel discussion"

// Channel 目录中的一个频道
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Group       string `json:"group,omitempty"`
}

// Group 一组同类频道
type Group struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Channels []Channel `json:"channels"`
}

var alwaysOn = []Channel{
	{ID: "general", Name: "General", Description: "Campus-wide conversations"},
	{ID: "confessions", Name: "Confessions", Description: "Anonymous secrets & thoughts"},
	{ID: "support", Name: "Support", Description: "Emotional support & advice"},
}

var groups = []Group{
	{ID: "food", Name: "Food Outlets", Channels: []Channel{
		{ID: "subspot", Name: "Subspot", Description: "Subspot discussions"},
		{ID: "fk", Name: "FK", Description: "FK food court"},
		{ID: "ins", Name: "INS", Description: "INS canteen"},
		{ID: "gajalaxmi", Name: "Gajalaxmi", Description: "Gajalaxmi restaurant"},
		{ID: "foodtruck", Name: "Food truck", Description: "Food truck area"},
	}},
	{ID: "lecture", Name: "Lecture Halls", Channels: []Channel{
		{ID: "lt1", Name: "LT1", Description: "Lecture Theatre 1"},
		{ID: "lt2", Name: "LT2", Description: "Lecture Theatre 2"},
		{ID: "lt3", Name: "LT3", Description: "Lecture Theatre 3"},
		{ID: "lt4", Name: "LT4", Description: "Lecture Theatre 4"},
	}},
	{ID: "digital", Name: "Digital Lecture Halls", Channels: []Channel{
		{ID: "dlt1", Name: "DLT1", Description: "Digital Lecture Theatre 1"},
		{ID: "dlt2", Name: "DLT2", Description: "Digital Lecture Theatre 2"},
		{ID: "dlt3", Name: "DLT3", Description: "Digital Lecture Theatre 3"},
		{ID: "dlt4", Name: "DLT4", Description: "Digital Lecture Theatre 4"},
		{ID: "dlt5", Name: "DLT5", Description: "Digital Lecture Theatre 5"},
		{ID: "dlt6", Name: "DLT6", Description: "Digital Lecture Theatre 6"},
		{ID: "dlt7", Name: "DLT7", Description: "Digital Lecture Theatre 7"},
		{ID: "dlt8", Name: "DLT8", Description: "Digital Lecture Theatre 8"},
	}},
	{ID: "campus", Name: "Campus Facilities", Channels: []Channel{
		{ID: "library", Name: "Library", Description: "Library discussions"},
		{ID: "auditorium", Name: "Auditorium", Description: "Auditorium events"},
		{ID: "sac", Name: "SAC", Description: "Student Activity Center"},
		{ID: "gym", Name: "GYM", Description: "Gymnasium discussions"},
	}},
	{ID: "mess", Name: "Mess", Channels: []Channel{
		{ID: "amess", Name: "A Mess", Description: "A Mess discussions"},
		{ID: "cmess", Name: "C Mess", Description: "C Mess discussions"},
		{ID: "dmess", Name: "D Mess", Description: "D Mess discussions"},
	}},
}

// all 与 index 在 init 中构建，之后只读
var (
	all   []Channel
	index map[string]uint
)

func init() {
	all = append(all, alwaysOn...)
	for _, g := range groups {
		for _, c := range g.Channels {
			c.Group = g.ID
			all = append(all, c)
		}
	}
	index = make(map[string]uint, len(all))
	for i, c := range all {
		index[c.ID] = uint(i)
	}
}

// AlwaysOn 返回常驻频道
func AlwaysOn() []Channel {
	return append([]Channel(nil), alwaysOn...)
}

// Groups 返回分组频道
func Groups() []Group {
	out := make([]Group, len(groups))
	for i, g := range groups {
		out[i] = Group{ID: g.ID, Name: g.Name, Channels: make([]Channel, len(g.Channels))}
		for j, c := range g.Channels {
			c.Group = g.ID
			out[i].Channels[j] = c
		}
	}
	return out
}

// All 按目录顺序返回全部频道
func All() []Channel {
	return append([]Channel(nil), all...)
}

// IDs 按目录顺序返回全部频道 ID
func IDs() []string {
	ids := make([]string, len(all))
	for i, c := range all {
		ids[i] = c.ID
	}
	return ids
}

// Len 目录中的频道数量
func Len() int { return len(all) }

// Lookup 查找频道
func Lookup(id string) (Channel, bool) {
	i, ok := index[id]
	if !ok {
		return Channel{}, false
	}
	return all[i], true
}

// Known reports whether id is part of the static catalog.
func Known(id string) bool {
	_, ok := index[id]
	return ok
}

// Describe returns the description shown in the channel header.
func Describe(id string) string {
	if c, ok := Lookup(id); ok {
		return c.Description
	}
	return DefaultDescription
}

// Set is a set of catalog channels backed by a bitset over catalog indexes.
type Set struct {
	bits *bitset.BitSet
}

// NewSet 创建包含给定频道的集合，目录之外的 ID 被忽略
func NewSet(ids ...string) *Set {
	s := &Set{bits: bitset.New(uint(len(all)))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add 加入频道，返回 id 是否属于目录
func (s *Set) Add(id string) bool {
	i, ok := index[id]
	if !ok {
		return false
	}
	s.bits.Set(i)
	return true
}

// Has 判断频道是否在集合中
func (s *Set) Has(id string) bool {
	i, ok := index[id]
	return ok && s.bits.Test(i)
}

// Len 集合大小
func (s *Set) Len() int {
	return int(s.bits.Count())
}

// IDs returns the members in catalog order.
func (s *Set) IDs() []string {
	ids := make([]string, 0, s.bits.Count())
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		ids = append(ids, all[i].ID)
	}
	return ids
}

// Union 返回两个集合的并集
func (s *Set) Union(other *Set) *Set {
	return &Set{bits: s.bits.Union(other.bits)}
}
