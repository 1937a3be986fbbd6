package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// StratifiedSplit partitions ids into train and test sides. The test side
// holds ceil(n*testFraction) ids allocated across strata in proportion to
// their size, largest remainder first. The same inputs and seed always give
// the same split. Fewer than two ids all land in train.
func StratifiedSplit(ids []int64, strata []string, testFraction float64, seed int64) (train, test []int64, err error) {
	if len(ids) != len(strata) {
		return nil, nil, fmt.Errorf("stratified split: %d ids but %d strata", len(ids), len(strata))
	}
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("stratified split: test fraction %v outside (0, 1)", testFraction)
	}
	n := len(ids)
	if n < 2 {
		return append([]int64(nil), ids...), []int64{}, nil
	}
	nTest := int(math.Ceil(float64(n) * testFraction))
	if nTest >= n {
		nTest = n - 1
	}

	groups := make(map[string][]int64)
	for i, id := range ids {
		groups[strata[i]] = append(groups[strata[i]], id)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type share struct {
		key       string
		take      int
		remainder float64
	}
	shares := make([]share, len(keys))
	assigned := 0
	for i, k := range keys {
		exact := float64(len(groups[k])) * float64(nTest) / float64(n)
		take := int(math.Floor(exact))
		shares[i] = share{key: k, take: take, remainder: exact - float64(take)}
		assigned += take
	}
	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return shares[order[a]].remainder > shares[order[b]].remainder
	})
	for _, i := range order {
		if assigned >= nTest {
			break
		}
		if shares[i].take < len(groups[shares[i].key]) {
			shares[i].take++
			assigned++
		}
	}

	rng := rand.New(rand.NewSource(seed))
	train = make([]int64, 0, n-nTest)
	test = make([]int64, 0, nTest)
	for _, s := range shares {
		members := append([]int64(nil), groups[s.key]...)
		sort.Slice(members, func(a, b int) bool { return members[a] < members[b] })
		rng.Shuffle(len(members), func(a, b int) { members[a], members[b] = members[b], members[a] })
		test = append(test, members[:s.take]...)
		train = append(train, members[s.take:]...)
	}
	sort.Slice(train, func(a, b int) bool { return train[a] < train[b] })
	sort.Slice(test, func(a, b int) bool { return test[a] < test[b] })
	return train, test, nil
}
