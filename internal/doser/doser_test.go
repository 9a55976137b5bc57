package doser

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

const primedFixture = `[{"id":17,"ml_per_step":0.0032,"prime_steps":100},{"id":22,"ml_per_step":0.0032,"prime_steps":100}]`

func TestEnsurePrimed_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17, 22)

	require.NoError(t, f.doser.EnsurePrimed(ctx, 0))
	require.NoError(t, f.doser.EnsurePrimed(ctx, 0))

	assert.Equal(t, []int32{100}, f.motors[0].Moves())
	assert.True(t, f.doser.FullStatus().Motors[0].IsPrimed)
}

func TestUnprime_ReturnsToZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17, 22)

	require.NoError(t, f.doser.EnsurePrimed(ctx, 0))
	require.NoError(t, f.doser.Unprime(ctx, 0))

	assert.Equal(t, []int32{100, -200}, f.motors[0].Moves())
	assert.Equal(t, int32(0), f.motors[0].Position())
	assert.False(t, f.doser.FullStatus().Motors[0].IsPrimed)
}

func TestUnprimeAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17, 22)

	require.NoError(t, f.doser.UnprimeAll(ctx))
	for _, m := range f.motors {
		assert.Equal(t, []int32{-200}, m.Moves())
		assert.Equal(t, int32(0), m.Position())
	}
}

func TestDispense(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17, 22)

	require.NoError(t, f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: 1, Ml: 1.0}}))

	assert.Equal(t, []int32{100, 312, -50}, f.motors[1].Moves(), "prime, dispense then back off")
	assert.Empty(t, f.motors[0].Moves())
	assert.Equal(t, StatusIdle, f.doser.Status())

	records := f.recorder.Records()
	require.Len(t, records, 1)
	assert.Equal(t, uint32(22), records[0].PumpID)
	assert.Equal(t, int32(312), records[0].Steps)
	assert.Equal(t, SourceDispense, records[0].Source)
	assert.NoError(t, records[0].Err)

	require.NoError(t, f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: 1, Ml: 1.0}}))
	assert.Equal(t, []int32{100, 312, -50, 312, -50}, f.motors[1].Moves(), "already primed")
}

func TestDispense_InvalidIndexContinues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17, 22)

	err := f.doser.Dispense(ctx, []DispenseRequest{
		{MotorIdx: 0, Ml: 1},
		{MotorIdx: 7, Ml: 1},
		{MotorIdx: 1, Ml: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidMotorIndex)
	assert.Equal(t, http.StatusBadRequest, errors.HTTPStatus(err))

	assert.NotEmpty(t, f.motors[0].Moves())
	assert.NotEmpty(t, f.motors[1].Moves())
}

func TestDispense_FaultSkipsPump(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17, 22)
	f.motors[0].FailNext(errors.New("stalled"))

	err := f.doser.Dispense(ctx, []DispenseRequest{
		{MotorIdx: 0, Ml: 1},
		{MotorIdx: 9, Ml: 1},
		{MotorIdx: 1, Ml: 1},
	})
	require.Error(t, err)
	assert.True(t, errors.IsHardwareFault(err))
	assert.Equal(t, http.StatusInternalServerError, errors.HTTPStatus(err), "hardware faults outrank bad indices")
	assert.Equal(t, []int32{100, 312, -50}, f.motors[1].Moves())
	assert.Equal(t, StatusIdle, f.doser.Status())

	records := f.recorder.Records()
	require.Len(t, records, 2)
	assert.Error(t, records[0].Err)
}

func TestDispense_PositionUnknown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17)
	f.motors[0].FailNext(errors.New("stalled"))

	require.Error(t, f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: 0, Ml: 1}}))
	assert.False(t, f.doser.FullStatus().Motors[0].PositionKnown)

	err := f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: 0, Ml: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPositionUnknown)
	assert.Equal(t, http.StatusConflict, errors.HTTPStatus(err))

	require.NoError(t, f.doser.Unprime(ctx, 0))
	assert.True(t, f.doser.FullStatus().Motors[0].PositionKnown)
	require.NoError(t, f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: 0, Ml: 1}}))
}

func TestDispense_RejectsNegativeVolume(t *testing.T) {
	f := newFixture(t, primedFixture, 17)

	err := f.doser.Dispense(context.Background(), []DispenseRequest{{MotorIdx: 0, Ml: -1}})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	assert.Empty(t, f.motors[0].Moves())
}

func TestCalibrate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17)

	require.NoError(t, f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: 0, Ml: 10}}))
	before := f.motors[0].Moves()[1]

	// Asked for 10 mL, measured 12 mL
	require.NoError(t, f.doser.Calibrate(0, 10, 12))
	assert.InDelta(t, 0.00384, f.doser.Records()[0].MlPerStep, 1e-12)
	assert.Contains(t, f.store.data[StoreKeyMotors], `"ml_per_step":0.00384`)

	require.NoError(t, f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: 0, Ml: 12}}))
	after := f.motors[0].Moves()[3]
	assert.InDelta(t, before, after, 1, "the measured volume now maps to the original step count")
}

func TestCalibrate_RoundTrip(t *testing.T) {
	f := newFixture(t, primedFixture, 17)

	require.NoError(t, f.doser.Calibrate(0, 10, 12))
	require.NoError(t, f.doser.Calibrate(0, 12, 10))
	assert.InDelta(t, DefaultMlPerStep, f.doser.Records()[0].MlPerStep, 1e-12)
}

func TestCalibrate_InvalidInput(t *testing.T) {
	f := newFixture(t, primedFixture, 17)

	for _, tt := range []struct{ expected, actual float64 }{{0, 1}, {1, 0}, {-1, 2}} {
		err := f.doser.Calibrate(0, tt.expected, tt.actual)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	}
	assert.ErrorIs(t, f.doser.Calibrate(4, 1, 1), errors.ErrInvalidMotorIndex)
	assert.Equal(t, DefaultMlPerStep, f.doser.Records()[0].MlPerStep)
}

func TestUpdatePrime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17)

	require.NoError(t, f.doser.EnsurePrimed(ctx, 0))
	require.NoError(t, f.doser.UpdatePrime(ctx, 0, 150))

	assert.Equal(t, []int32{100, -200, 150}, f.motors[0].Moves())
	assert.Equal(t, int32(150), f.motors[0].Position())
	assert.Equal(t, uint32(150), f.doser.Records()[0].PrimeSteps)
	assert.Contains(t, f.store.data[StoreKeyMotors], `"prime_steps":150`)
}

func TestDoseSolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17, 22)

	err := f.doser.DoseSolution(ctx, DoseSolutionRequest{
		Nutrients: []NutrientInfo{
			{Name: "Micro", MotorIdx: 0, MlPerGal: 5},
			{Name: "Missing", MotorIdx: 8, MlPerGal: 5},
			{Name: "Bloom", MotorIdx: 1, MlPerGal: 0},
		},
		TargetAmount: 1,
		TargetUnit:   Gal,
	})
	require.NoError(t, err, "unknown pumps are skipped")

	// 5 mL at 0.0032 mL/step
	assert.Equal(t, []int32{100, 1562, -50}, f.motors[0].Moves())
	assert.Empty(t, f.motors[1].Moves(), "zero volume nutrients are not dispensed")

	records := f.recorder.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Micro", records[0].Nutrient)
	assert.Equal(t, SourceDose, records[0].Source)
	assert.InDelta(t, 5.0, records[0].Ml, 1e-9)
}

func TestDoseSolution_MissingUnit(t *testing.T) {
	f := newFixture(t, primedFixture, 17)

	err := f.doser.DoseSolution(context.Background(), DoseSolutionRequest{
		Nutrients:    []NutrientInfo{{Name: "Micro", MotorIdx: 0, MlPerGal: 5}},
		TargetAmount: 1,
	})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	assert.Empty(t, f.motors[0].Moves())
	assert.Equal(t, StatusIdle, f.doser.Status())
}

func TestDebugOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17)

	require.NoError(t, f.doser.DebugStep(ctx, 0, -12.7))
	assert.Equal(t, []int32{-12}, f.motors[0].Moves())
	assert.ErrorIs(t, f.doser.DebugStep(ctx, 3, 1), errors.ErrInvalidMotorIndex)

	require.NoError(t, f.doser.DebugCalibrate(0, 0.005))
	assert.Contains(t, f.store.data[StoreKeyMotors], `"ml_per_step":0.005`)
	assert.ErrorIs(t, f.doser.DebugCalibrate(0, 0), errors.ErrInvalidInput)
}

func TestClearConfig(t *testing.T) {
	f := newFixture(t, primedFixture, 17, 22)

	f.doser.ClearConfig()
	assert.Equal(t, "[]", f.store.data[StoreKeyMotors])
	assert.Empty(t, f.doser.Records())
	assert.Equal(t, 1, f.restarts)
}

func TestPersistenceFailureKeepsChange(t *testing.T) {
	f := newFixture(t, primedFixture, 17)
	f.store.setErr = errors.New("flash worn out")

	require.NoError(t, f.doser.DebugCalibrate(0, 0.01))
	assert.Equal(t, 0.01, f.doser.Records()[0].MlPerStep)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17)
	m := f.motors[0]

	m.block = make(chan struct{})
	m.started = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: 0, Ml: 1}})
	}()

	<-m.started
	assert.Equal(t, StatusRunning, f.doser.Status())
	assert.ErrorIs(t, f.doser.BeginOTA(), errors.ErrBusy, "no update while pumps are running")

	close(m.block)
	require.NoError(t, <-done)
	assert.Equal(t, StatusIdle, f.doser.Status())

	require.NoError(t, f.doser.BeginOTA())
	assert.Equal(t, StatusOTA, f.doser.Status())
	assert.ErrorIs(t, f.doser.BeginOTA(), errors.ErrBusy)

	err := f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: 0, Ml: 1}})
	assert.ErrorIs(t, err, errors.ErrBusy, "no motion during an update")

	f.doser.EndOTA()
	assert.Equal(t, StatusIdle, f.doser.Status())

	assert.Equal(t, []Status{StatusRunning, StatusIdle, StatusOTA, StatusIdle}, f.notifier.Statuses())
}

func TestConcurrentDispensesAreSerialized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, primedFixture, 17, 22)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			assert.NoError(t, f.doser.Dispense(ctx, []DispenseRequest{{MotorIdx: idx % 2, Ml: 1}}))
		}(i)
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("dispenses deadlocked")
	}

	for _, m := range f.motors {
		assert.Equal(t, []int32{100, 312, -50, 312, -50}, m.Moves())
	}
	assert.Equal(t, StatusIdle, f.doser.Status())
}

func TestFullStatus(t *testing.T) {
	f := newFixture(t, primedFixture, 17, 22)
	require.NoError(t, f.doser.EnsurePrimed(context.Background(), 1))

	fs := f.doser.FullStatus()
	assert.Equal(t, 2, fs.NumMotors)
	assert.Equal(t, "1.2.3", fs.Version)
	assert.Equal(t, StatusIdle, fs.Status)
	assert.Equal(t, MotorStatus{
		Idx: 1, ID: 22, Position: 100, IsPrimed: true, PrimeSteps: 100, MlPerStep: 0.0032, PositionKnown: true,
	}, fs.Motors[1])
}
