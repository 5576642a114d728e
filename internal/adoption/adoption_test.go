package adoption

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/animal_rescue/internal/chain"
	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
)

const (
	org = "NorgAddress"
	b   = "NapplicantB"
	c   = "NapplicantC"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAnimal() *mirror.Animal {
	id := uint64(1)
	return &mirror.Animal{
		ID:     "a1",
		Name:   "Rex",
		Status: mirror.StatusAdoptable,
		Owner:  org,
		NFT:    &mirror.NFT{TokenID: &id, State: mirror.TokenResolved, TxHash: "0xmint"},
	}
}

func submitted(t *testing.T, a *mirror.Animal, applicant string, appID uint64) {
	t.Helper()
	rid := fmt.Sprintf("r%d", appID)
	require.NoError(t, Reserve(a, applicant, rid))
	require.True(t, ConfirmSubmission(a, rid, appID, applicant, fmt.Sprintf("0xsubmit%d", appID), now))
}

func TestCanTransition(t *testing.T) {
	valid := []struct{ from, to mirror.ApplicationStage }{
		{mirror.StageReserved, mirror.StagePending},
		{mirror.StagePending, mirror.StageApproved},
		{mirror.StagePending, mirror.StageRejected},
		{mirror.StageApproved, mirror.StageCompleted},
		{mirror.StageApproved, mirror.StageRejected},
	}
	for _, tc := range valid {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	invalid := []struct{ from, to mirror.ApplicationStage }{
		{mirror.StagePending, mirror.StageCompleted},
		{mirror.StageRejected, mirror.StageApproved},
		{mirror.StageCompleted, mirror.StageRejected},
		{mirror.StageReserved, mirror.StageApproved},
	}
	for _, tc := range invalid {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	err := TransitionError{ApplicationID: 4, From: mirror.StageRejected, To: mirror.StageApproved}
	assert.Equal(t, "application 4: invalid transition rejected -> approved", err.Error())
}

func TestStageOf(t *testing.T) {
	assert.Equal(t, mirror.StagePending, StageOf(chain.StatusPending))
	assert.Equal(t, mirror.StageApproved, StageOf(chain.StatusApproved))
	assert.Equal(t, mirror.StageRejected, StageOf(chain.StatusRejected))
	assert.Equal(t, mirror.StageCompleted, StageOf(chain.StatusCompleted))
}

func TestReserve(t *testing.T) {
	a := newAnimal()
	require.NoError(t, Reserve(a, b, "r1"))

	err := Reserve(a, b, "r2")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInvalidState))
	require.NoError(t, Reserve(a, c, "r3"))

	assert.True(t, Release(a, "r1"))
	assert.False(t, Release(a, "r1"))
	require.NoError(t, Reserve(a, b, "r4"))

	t.Run("unresolved token", func(t *testing.T) {
		a := newAnimal()
		a.NFT = &mirror.NFT{State: mirror.TokenUnresolved, TxHash: "0xmint"}
		assert.True(t, svcerrors.IsCode(Reserve(a, b, "r1"), svcerrors.CodeInvalidState))
	})

	t.Run("reapply after rejection", func(t *testing.T) {
		a := newAnimal()
		submitted(t, a, b, 1)
		require.True(t, Reject(a, 1, b, "0xreject", now))
		require.NoError(t, Reserve(a, b, "r2"))
	})

	t.Run("adopted animal", func(t *testing.T) {
		a := newAnimal()
		submitted(t, a, b, 1)
		Approve(a, 1, b, "0xapprove", now)
		Complete(a, 1, b, "0xcomplete", now)
		assert.True(t, svcerrors.IsCode(Reserve(a, c, "r2"), svcerrors.CodeInvalidState))
	})
}

func TestConfirmSubmissionIdempotent(t *testing.T) {
	a := newAnimal()
	submitted(t, a, b, 7)
	assert.False(t, ConfirmSubmission(a, "r7", 7, b, "0xsubmit7", now))
	require.Len(t, a.Applications, 1)
	assert.Equal(t, mirror.StagePending, a.Applications[0].Stage)
	assert.Len(t, a.History, 1)

	// Reservation lost: the entry is rebuilt from ledger data.
	assert.True(t, ConfirmSubmission(a, "gone", 8, c, "0xsubmit8", now))
	e, ok := a.Application(8)
	require.True(t, ok)
	assert.Equal(t, c, e.Applicant)
}

func TestApproveAndRollback(t *testing.T) {
	a := newAnimal()
	submitted(t, a, b, 1)
	submitted(t, a, c, 2)

	require.NoError(t, CheckApprove(a, 1))
	require.True(t, Approve(a, 1, b, "0xapprove1", now))
	assert.False(t, Approve(a, 1, b, "0xapprove1", now))
	assert.Equal(t, mirror.StatusAdopted, a.Status)
	assert.Equal(t, b, a.Adopter)

	err := CheckApprove(a, 2)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInvalidState))
	assert.True(t, svcerrors.IsCode(CheckApprove(a, 1), svcerrors.CodeInvalidState))
	assert.True(t, svcerrors.IsCode(CheckApprove(a, 9), svcerrors.CodeUnknownEntity))

	require.True(t, Rollback(a, 1, b, "0xrevoke1", now))
	assert.False(t, Rollback(a, 1, b, "0xrevoke1", now))
	assert.Equal(t, mirror.StatusAdoptable, a.Status)
	assert.Empty(t, a.Adopter)
	assert.Equal(t, mirror.ActionRollback, a.History[len(a.History)-1].Action)

	require.NoError(t, CheckApprove(a, 2))
}

func TestRollbackKeepsOtherHolder(t *testing.T) {
	a := newAnimal()
	submitted(t, a, b, 1)
	submitted(t, a, c, 2)
	Approve(a, 1, b, "0xapprove1", now)
	// An approval issued straight on the ledger still shows up in the mirror.
	Approve(a, 2, c, "0xapprove2", now)
	assert.Equal(t, b, a.Adopter)

	require.True(t, Rollback(a, 2, c, "0xrevoke2", now))
	assert.Equal(t, mirror.StatusAdopted, a.Status)
	assert.Equal(t, b, a.Adopter)

	require.True(t, Rollback(a, 1, b, "0xrevoke1", now))
	assert.Equal(t, mirror.StatusAdoptable, a.Status)
	assert.Empty(t, a.Adopter)
}

func TestCompleteAndSyncOwner(t *testing.T) {
	a := newAnimal()
	submitted(t, a, b, 1)
	Approve(a, 1, b, "0xapprove", now)

	require.True(t, Complete(a, 1, b, "0xcomplete", now))
	assert.False(t, Complete(a, 1, b, "0xcomplete", now))
	assert.Equal(t, b, a.Owner)
	assert.Equal(t, b, a.Adopter)
	assert.Equal(t, mirror.StatusAdopted, a.Status)

	// Mirror drifted; ownerOf puts it back.
	a.Owner, a.Adopter, a.Status = org, "", mirror.StatusAdoptable
	assert.True(t, SyncOwner(a, b))
	assert.Equal(t, b, a.Adopter)
	assert.False(t, SyncOwner(a, b))
}

// simLedger tracks what the ledger would hold for one token.
type simLedger struct {
	status    map[uint64]chain.ApplicationStatus
	applicant map[uint64]string
	next      uint64
}

func TestRandomInterleavingsKeepSingleAdopter(t *testing.T) {
	applicants := []string{b, c, "NapplicantD"}

	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		a := newAnimal()
		l := &simLedger{status: map[uint64]chain.ApplicationStatus{}, applicant: map[uint64]string{}}

		for step := 0; step < 60; step++ {
			txHash := fmt.Sprintf("0x%d-%d", seed, step)
			pick := func() uint64 {
				if l.next == 0 {
					return 0
				}
				return uint64(rng.Intn(int(l.next))) + 1
			}

			switch rng.Intn(5) {
			case 0, 1:
				applicant := applicants[rng.Intn(len(applicants))]
				rid := txHash
				if err := Reserve(a, applicant, rid); err != nil {
					require.True(t, svcerrors.IsCode(err, svcerrors.CodeInvalidState))
					continue
				}
				if rng.Intn(6) == 0 {
					// Ledger rejected the submission.
					require.True(t, Release(a, rid))
					continue
				}
				l.next++
				l.status[l.next] = chain.StatusPending
				l.applicant[l.next] = applicant
				ConfirmSubmission(a, rid, l.next, applicant, txHash, now)

			case 2:
				id := pick()
				if id == 0 || CheckApprove(a, id) != nil {
					continue
				}
				require.Equal(t, chain.StatusPending, l.status[id])
				l.status[id] = chain.StatusApproved
				Approve(a, id, l.applicant[id], txHash, now)

			case 3:
				id := pick()
				if id == 0 {
					continue
				}
				switch l.status[id] {
				case chain.StatusPending:
					l.status[id] = chain.StatusRejected
					Reject(a, id, l.applicant[id], txHash, now)
				case chain.StatusApproved:
					l.status[id] = chain.StatusRejected
					Rollback(a, id, l.applicant[id], txHash, now)
				}

			case 4:
				id := pick()
				if id != 0 && l.status[id] == chain.StatusApproved {
					l.status[id] = chain.StatusCompleted
					Complete(a, id, l.applicant[id], txHash, now)
				}
			}

			holders := 0
			for id := uint64(1); id <= l.next; id++ {
				if l.status[id] == chain.StatusApproved || l.status[id] == chain.StatusCompleted {
					holders++
				}
				e, ok := a.Application(id)
				require.True(t, ok, "seed %d: application %d missing from mirror", seed, id)
				require.Equal(t, StageOf(l.status[id]), e.Stage, "seed %d step %d app %d", seed, step, id)
			}
			require.LessOrEqual(t, holders, 1, "seed %d step %d", seed, step)

			if h, ok := Holder(a, 0); ok {
				require.Equal(t, h.Applicant, a.Adopter)
				require.Equal(t, mirror.StatusAdopted, a.Status)
			} else {
				require.Empty(t, a.Adopter)
				require.Equal(t, mirror.StatusAdoptable, a.Status)
			}
		}
	}
}
