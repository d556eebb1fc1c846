package anysgd

import (
	"encoding/binary"
	"hash/fnv"
	"testing"
)

type hashList []int

func (h hashList) Len() int {
	return len(h)
}

func (h hashList) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h hashList) Slice(i, j int) SampleList {
	return append(hashList{}, h[i:j]...)
}

func (h hashList) Hash(i int) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(h[i]))
	hash := fnv.New64a()
	hash.Write(buf[:])
	return hash.Sum(nil)
}

func TestHashSplit(t *testing.T) {
	list := make(hashList, 1000)
	for i := range list {
		list[i] = i
	}
	left, right := HashSplit(list, 0.3)
	if left.Len()+right.Len() != 1000 {
		t.Fatalf("bad total length %d", left.Len()+right.Len())
	}
	if left.Len() < 200 || left.Len() > 400 {
		t.Errorf("unexpected left size %d", left.Len())
	}

	leftSet := map[int]bool{}
	for _, x := range left.(hashList) {
		leftSet[x] = true
	}

	shuffled := make(hashList, 1000)
	for i := range shuffled {
		shuffled[i] = 999 - i
	}
	left2, _ := HashSplit(shuffled, 0.3)
	if left2.Len() != left.Len() {
		t.Fatalf("split is not deterministic: %d vs %d", left2.Len(), left.Len())
	}
	for _, x := range left2.(hashList) {
		if !leftSet[x] {
			t.Errorf("sample %d switched sides", x)
		}
	}
}
