package crdt

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// 位置向量每一位的进制。位间隙越大，随机插入越不容易退化成长向量。
const posBase = 1 << 15

// Char 文档中的一个字符。删除只打墓碑，墓碑仍然参与排序，
// 这样后到的并发插入依旧能找到稳定的锚点。
type Char struct {
	ID      ID
	Pos     []int
	Value   rune
	Deleted bool
}

// Doc 单个文件的合并文档：按 (Pos, Peer, Clock) 全序排列的字符序列。
// 收敛性质：任意副本以任意顺序应用同一组操作（因果内），物化文本一致。
type Doc struct {
	peer     string
	clock    int64
	chars    []*Char
	byID     map[ID]*Char
	deferred map[ID]struct{} // delete 先于对应 insert 到达时暂存
	visible  int
	rng      *rand.Rand
}

func NewDoc(peer string) *Doc {
	h := fnv.New64a()
	h.Write([]byte(peer))
	return &Doc{
		peer:     peer,
		byID:     make(map[ID]*Char),
		deferred: make(map[ID]struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64()))),
	}
}

func (d *Doc) Peer() string { return d.peer }

// Len 可见字符数（不含墓碑）
func (d *Doc) Len() int { return d.visible }

func (d *Doc) String() string {
	var b strings.Builder
	b.Grow(d.visible)
	for _, c := range d.chars {
		if !c.Deleted {
			b.WriteRune(c.Value)
		}
	}
	return b.String()
}

// 全序比较：先位置向量，再 Peer，再 Clock。
// 并发在同一锚点间插入且位置碰撞时，由 Peer 做确定性决胜。
func charLess(a, b *Char) bool {
	if c := ComparePos(a.Pos, b.Pos); c != 0 {
		return c < 0
	}
	if a.ID.Peer != b.ID.Peer {
		return a.ID.Peer < b.ID.Peer
	}
	return a.ID.Clock < b.ID.Clock
}

// fullIndexOfVisible 把可见下标换算成 chars 里的下标（插入点语义：
// idx == Len() 时返回 len(chars)，表示追加到末尾）。
func (d *Doc) fullIndexOfVisible(idx int) int {
	if idx >= d.visible {
		return len(d.chars)
	}
	seen := 0
	for i, c := range d.chars {
		if c.Deleted {
			continue
		}
		if seen == idx {
			return i
		}
		seen++
	}
	return len(d.chars)
}

// posBetween 在 l、r 两个位置向量之间生成新向量。
// 约定：l 为空表示最左哨兵，r 为空表示最右哨兵（每位上限 posBase）。
func (d *Doc) posBetween(l, r []int) []int {
	pos := make([]int, 0, len(l)+1)
	for depth := 0; ; depth++ {
		lv := 0
		if depth < len(l) {
			lv = l[depth]
		}
		rv := posBase
		if depth < len(r) {
			rv = r[depth]
		}
		if rv-lv > 1 {
			pos = append(pos, lv+1+d.rng.Intn(rv-lv-1))
			return pos
		}
		// 间隙不足，沿左边界下探一层
		pos = append(pos, lv)
	}
}

// InsertAt 在可见下标 idx 处插入文本，返回可广播的操作序列。
// 本地物化文本同步更新，不等待网络。
func (d *Doc) InsertAt(idx int, text string) []Op {
	if idx < 0 {
		idx = 0
	}
	if idx > d.visible {
		idx = d.visible
	}
	full := d.fullIndexOfVisible(idx)
	ops := make([]Op, 0, len(text))
	for _, r := range text {
		var lpos, rpos []int
		if full > 0 {
			lpos = d.chars[full-1].Pos
		}
		if full < len(d.chars) {
			rpos = d.chars[full].Pos
		}
		d.clock++
		c := &Char{
			ID:    ID{Clock: d.clock, Peer: d.peer},
			Pos:   d.posBetween(lpos, rpos),
			Value: r,
		}
		d.chars = append(d.chars, nil)
		copy(d.chars[full+1:], d.chars[full:])
		d.chars[full] = c
		d.byID[c.ID] = c
		d.visible++
		full++
		ops = append(ops, Op{Action: ActionInsert, ID: c.ID, Pos: c.Pos, Value: string(r)})
	}
	return ops
}

// DeleteAt 从可见下标 idx 起删除 count 个字符
func (d *Doc) DeleteAt(idx, count int) []Op {
	if idx < 0 || count <= 0 || idx >= d.visible {
		return nil
	}
	ops := make([]Op, 0, count)
	seen := 0
	for _, c := range d.chars {
		if c.Deleted {
			continue
		}
		if seen >= idx && len(ops) < count {
			c.Deleted = true
			d.visible--
			d.clock++
			ops = append(ops, Op{Action: ActionDelete, ID: ID{Clock: d.clock, Peer: d.peer}, Target: c.ID})
			// seen 不自增：后面的可见字符整体左移了一位
			continue
		}
		seen++
		if len(ops) >= count {
			break
		}
	}
	return ops
}

// Apply 应用一个远端操作，幂等：重复 insert、重复 delete 都是 no-op。
// 返回物化文本是否发生了可见变化。
func (d *Doc) Apply(op Op) bool {
	switch op.Action {
	case ActionInsert:
		if _, ok := d.byID[op.ID]; ok {
			return false
		}
		runes := []rune(op.Value)
		if len(runes) == 0 {
			return false
		}
		c := &Char{ID: op.ID, Pos: op.Pos, Value: runes[0]}
		i := sort.Search(len(d.chars), func(i int) bool {
			return !charLess(d.chars[i], c)
		})
		d.chars = append(d.chars, nil)
		copy(d.chars[i+1:], d.chars[i:])
		d.chars[i] = c
		d.byID[c.ID] = c
		if _, pending := d.deferred[c.ID]; pending {
			// 对应的 delete 早到过：直接以墓碑形态落位，文本无可见变化
			delete(d.deferred, c.ID)
			c.Deleted = true
			return false
		}
		d.visible++
		return true

	case ActionDelete:
		c, ok := d.byID[op.Target]
		if !ok {
			d.deferred[op.Target] = struct{}{}
			return false
		}
		if c.Deleted {
			return false
		}
		c.Deleted = true
		d.visible--
		return true
	}
	return false
}
