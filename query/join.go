package query

// Join combines left and right rows whose join keys (extracted by
// leftKey/rightKey) match, per spec.md §4.5's join operator and kind set
// (inner/left/right/full/cross). The joined row's key is always the
// spec-mandated JoinKey{Left, Right} pair built from each side's own row
// key — no caller-supplied key-construction function is needed, since
// both keys are already available on the rows flowing through the join.
// On an unmatched side for left/right/full, the missing side's value is
// its zero value and its JoinKey half is the zero key with its *OK flag
// false.
func Join[K1, K2 comparable, T1, T2, T3 any, J comparable](
	left *Builder[K1, T1],
	right *Builder[K2, T2],
	leftKey func(T1) J,
	rightKey func(T2) J,
	kind JoinKind,
	combine func(T1, T2) T3,
) *Builder[JoinKey[K1, K2], T3] {
	plan := &planNode{parent: left.plan, other: right.plan, kind: stageJoin, joinKind: kind}
	leftBuild, rightBuild := left.build, right.build
	return &Builder[JoinKey[K1, K2], T3]{
		plan: plan,
		build: func() (Materializer[JoinKey[K1, K2], T3], error) {
			l, err := leftBuild()
			if err != nil {
				return nil, err
			}
			r, err := rightBuild()
			if err != nil {
				return nil, err
			}
			return &joinMat[K1, K2, T1, T2, T3, J]{
				left: l, right: r,
				leftKey: leftKey, rightKey: rightKey,
				kind: kind, combine: combine,
			}, nil
		},
	}
}

// CrossJoin pairs every left row with every right row, per spec.md §4.5's
// cross join kind. Implemented as sugar over Join: binding every row to a
// constant join key makes the existing O(n+m) hash-join bucket logic
// produce a full cross product with no change to its core algorithm.
func CrossJoin[K1, K2 comparable, T1, T2, T3 any](
	left *Builder[K1, T1],
	right *Builder[K2, T2],
	combine func(T1, T2) T3,
) *Builder[JoinKey[K1, K2], T3] {
	return Join(left, right,
		func(T1) struct{} { return struct{}{} },
		func(T2) struct{} { return struct{}{} },
		JoinCross, combine)
}

type joinMat[K1, K2 comparable, T1, T2, T3 any, J comparable] struct {
	left     Materializer[K1, T1]
	right    Materializer[K2, T2]
	leftKey  func(T1) J
	rightKey func(T2) J
	kind     JoinKind
	combine  func(T1, T2) T3
}

// Snapshot evaluates the join by bucketing right rows by join key and
// streaming left rows against those buckets once, an O(n+m) hash join
// rather than the naive O(n*m) nested-loop scan.
func (m *joinMat[K1, K2, T1, T2, T3, J]) Snapshot() []Row[JoinKey[K1, K2], T3] {
	leftRows := m.left.Snapshot()
	rightRows := m.right.Snapshot()

	byKey := make(map[J][]Row[K2, T2])
	for _, r := range rightRows {
		j := m.rightKey(r.Value)
		byKey[j] = append(byKey[j], r)
	}

	matchedRight := make(map[K2]bool)
	out := make([]Row[JoinKey[K1, K2], T3], 0, len(leftRows))

	for _, lr := range leftRows {
		bucket := byKey[m.leftKey(lr.Value)]
		if len(bucket) == 0 {
			if m.kind == JoinLeft || m.kind == JoinFull {
				var zero T2
				var zk K2
				out = append(out, Row[JoinKey[K1, K2], T3]{
					Key:   JoinKey[K1, K2]{Left: lr.Key, Right: zk, LeftOK: true, RightOK: false},
					Value: m.combine(lr.Value, zero),
				})
			}
			continue
		}
		for _, rr := range bucket {
			matchedRight[rr.Key] = true
			out = append(out, Row[JoinKey[K1, K2], T3]{
				Key:   JoinKey[K1, K2]{Left: lr.Key, Right: rr.Key, LeftOK: true, RightOK: true},
				Value: m.combine(lr.Value, rr.Value),
			})
		}
	}

	if m.kind == JoinRight || m.kind == JoinFull {
		for _, rr := range rightRows {
			if matchedRight[rr.Key] {
				continue
			}
			var zero T1
			var zk K1
			out = append(out, Row[JoinKey[K1, K2], T3]{
				Key:   JoinKey[K1, K2]{Left: zk, Right: rr.Key, LeftOK: false, RightOK: true},
				Value: m.combine(zero, rr.Value),
			})
		}
	}

	return out
}

func (m *joinMat[K1, K2, T1, T2, T3, J]) OnChange(notify func()) func() {
	unsubLeft := m.left.OnChange(notify)
	unsubRight := m.right.OnChange(notify)
	return func() {
		unsubLeft()
		unsubRight()
	}
}

// JoinOnExpr is the dynamic, validated join path: on is an IR expression
// (eq(leftAlias.field, rightAlias.field) at the root) Compile checks
// structurally before any row is ever joined, per spec.md §4.4/§6's
// join-must-be-equality, wrong-tables, table-mismatch and input-not-found
// errors — violations the strongly-typed Join above cannot produce, since
// Go's type system already forces its leftKey/rightKey to share a type J.
func JoinOnExpr[K1, K2 comparable, T1, T2, T3 any](
	left *Builder[K1, T1], leftAlias string, leftFields Fields[T1],
	right *Builder[K2, T2], rightAlias string, rightFields Fields[T2],
	on Expr, kind JoinKind,
	combine func(T1, T2) T3,
) *Builder[JoinKey[K1, K2], T3] {
	left = left.As(leftAlias)
	right = right.As(rightAlias)
	plan := &planNode{parent: left.plan, other: right.plan, kind: stageJoin, joinKind: kind, joinDynamic: true, expr: on}
	leftBuild, rightBuild := left.build, right.build
	return &Builder[JoinKey[K1, K2], T3]{
		plan: plan,
		build: func() (Materializer[JoinKey[K1, K2], T3], error) {
			l, err := leftBuild()
			if err != nil {
				return nil, err
			}
			r, err := rightBuild()
			if err != nil {
				return nil, err
			}
			var lField, rField string
			if kind != JoinCross {
				fn := on.(Func)
				aAlias, aField, _ := splitAlias(fn.Args[0].(PropRef).Path)
				_, bField, _ := splitAlias(fn.Args[1].(PropRef).Path)
				// validateJoin already confirmed {aAlias, bAlias} == {leftAlias,
				// rightAlias}; match on alias rather than argument position, so
				// eq(o.userID, u.id) binds the same as eq(u.id, o.userID).
				if aAlias == leftAlias {
					lField, rField = aField, bField
				} else {
					lField, rField = bField, aField
				}
			}
			return &exprJoinMat[K1, K2, T1, T2, T3]{
				left: l, right: r,
				leftFields: leftFields, rightFields: rightFields,
				leftField: lField, rightField: rField,
				kind: kind, combine: combine,
			}, nil
		},
	}
}

// exprJoinMat mirrors joinMat's hash-join algorithm, but buckets on a
// dynamically resolved, any-boxed field value (via Fields) instead of a
// statically typed join key J.
type exprJoinMat[K1, K2 comparable, T1, T2, T3 any] struct {
	left                  Materializer[K1, T1]
	right                 Materializer[K2, T2]
	leftFields            Fields[T1]
	rightFields           Fields[T2]
	leftField, rightField string
	kind                  JoinKind
	combine               func(T1, T2) T3
}

func (m *exprJoinMat[K1, K2, T1, T2, T3]) Snapshot() []Row[JoinKey[K1, K2], T3] {
	leftRows := m.left.Snapshot()
	rightRows := m.right.Snapshot()

	byKey := make(map[any][]Row[K2, T2])
	for _, r := range rightRows {
		var k any = struct{}{}
		if m.kind != JoinCross {
			k = m.rightFields(r.Value)[m.rightField]
		}
		byKey[k] = append(byKey[k], r)
	}

	matchedRight := make(map[K2]bool)
	out := make([]Row[JoinKey[K1, K2], T3], 0, len(leftRows))

	for _, lr := range leftRows {
		var k any = struct{}{}
		if m.kind != JoinCross {
			k = m.leftFields(lr.Value)[m.leftField]
		}
		bucket := byKey[k]
		if len(bucket) == 0 {
			if m.kind == JoinLeft || m.kind == JoinFull {
				var zero T2
				var zk K2
				out = append(out, Row[JoinKey[K1, K2], T3]{
					Key:   JoinKey[K1, K2]{Left: lr.Key, Right: zk, LeftOK: true, RightOK: false},
					Value: m.combine(lr.Value, zero),
				})
			}
			continue
		}
		for _, rr := range bucket {
			matchedRight[rr.Key] = true
			out = append(out, Row[JoinKey[K1, K2], T3]{
				Key:   JoinKey[K1, K2]{Left: lr.Key, Right: rr.Key, LeftOK: true, RightOK: true},
				Value: m.combine(lr.Value, rr.Value),
			})
		}
	}

	if m.kind == JoinRight || m.kind == JoinFull {
		for _, rr := range rightRows {
			if matchedRight[rr.Key] {
				continue
			}
			var zero T1
			var zk K1
			out = append(out, Row[JoinKey[K1, K2], T3]{
				Key:   JoinKey[K1, K2]{Left: zk, Right: rr.Key, LeftOK: false, RightOK: true},
				Value: m.combine(zero, rr.Value),
			})
		}
	}

	return out
}

func (m *exprJoinMat[K1, K2, T1, T2, T3]) OnChange(notify func()) func() {
	unsubLeft := m.left.OnChange(notify)
	unsubRight := m.right.OnChange(notify)
	return func() {
		unsubLeft()
		unsubRight()
	}
}
