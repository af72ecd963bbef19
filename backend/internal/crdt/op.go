package crdt

// ID 操作/字符的全局唯一标识：本端递增时钟 + 副本标识
type ID struct {
	Clock int64  `json:"clock"`
	Peer  string `json:"peer"`
}

type Action string

const (
	ActionInsert Action = "insert"
	ActionDelete Action = "delete"
)

// Op 单字符插入/删除操作。插入携带位置向量，删除只引用目标 ID。
// 任意两个副本的操作按因果元数据重排后可交换（见 Doc.Apply 的幂等规则）。
type Op struct {
	Action Action `json:"action"`
	ID     ID     `json:"id"`
	Pos    []int  `json:"pos,omitempty"`    // insert 的位置向量
	Value  string `json:"value,omitempty"`  // insert 的单个字符
	Target ID     `json:"target,omitempty"` // delete 指向的字符 ID
}

// ComparePos 位置向量的字典序比较。
// 缺位按 0 处理，使 [1] < [1,5] 成立（[1] 等价于 [1,0,...]）。
func ComparePos(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
