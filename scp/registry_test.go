package scp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance(study, series, sop string) *StoredInstance {
	return &StoredInstance{
		StudyUID:          study,
		SeriesUID:         series,
		SOPInstanceUID:    sop,
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		TransferSyntaxUID: "1.2.840.10008.1.2.1",
		Key:               study + "/" + series + "/" + sop + ".dcm",
	}
}

func waitStudy(t *testing.T, ch <-chan *Study) *Study {
	t.Helper()
	select {
	case study := <-ch:
		return study
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for study completion")
		return nil
	}
}

func expectNoStudy(t *testing.T, ch <-chan *Study, wait time.Duration) {
	t.Helper()
	select {
	case study := <-ch:
		t.Fatalf("unexpected completion of study %s", study.StudyUID)
	case <-time.After(wait):
	}
}

func TestRegistryAggregation(t *testing.T) {
	ch := make(chan *Study, 4)
	reg := newStudyRegistry(50*time.Millisecond, func(s *Study) { ch <- s })
	reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.1"),
		map[string]string{"StudyDate": "20250102"},
		map[string]string{"Modality": "CT"})
	reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.2"), nil, nil)
	reg.add(testInstance("1.2.3", "1.2.3.2", "1.2.3.2.1"), nil,
		map[string]string{"Modality": "MR"})

	study := waitStudy(t, ch)
	assert.Equal(t, "1.2.3", study.StudyUID)
	assert.Equal(t, 3, study.InstanceCount())
	assert.Equal(t, map[string]string{"StudyDate": "20250102"}, study.Tags)
	require.Len(t, study.Series, 2)
	first := study.Series["1.2.3.1"]
	require.NotNil(t, first)
	assert.Len(t, first.Instances, 2)
	assert.Equal(t, map[string]string{"Modality": "CT"}, first.Tags)
	second := study.Series["1.2.3.2"]
	require.NotNil(t, second)
	assert.Len(t, second.Instances, 1)
	assert.Equal(t, map[string]string{"Modality": "MR"}, second.Tags)
	assert.Equal(t, "1.2.3/1.2.3.2/1.2.3.2.1.dcm", second.Instances[0].Key)

	// One completion per aggregate.
	expectNoStudy(t, ch, 300*time.Millisecond)
}

func TestRegistryIdempotentAdd(t *testing.T) {
	ch := make(chan *Study, 1)
	reg := newStudyRegistry(50*time.Millisecond, func(s *Study) { ch <- s })
	for i := 0; i < 3; i++ {
		reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.1"), nil, nil)
	}
	study := waitStudy(t, ch)
	assert.Equal(t, 1, study.InstanceCount())
}

func TestRegistryActivityExtendsDeadline(t *testing.T) {
	ch := make(chan *Study, 1)
	reg := newStudyRegistry(time.Second, func(s *Study) { ch <- s })
	reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.1"), nil, nil)
	for i := 0; i < 3; i++ {
		time.Sleep(300 * time.Millisecond)
		select {
		case study := <-ch:
			t.Fatalf("study %s completed while instances were still arriving", study.StudyUID)
		default:
		}
		// A duplicate counts as activity too.
		reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.1"), nil, nil)
	}
	study := waitStudy(t, ch)
	assert.Equal(t, 1, study.InstanceCount())
}

func TestRegistryZeroTimeout(t *testing.T) {
	ch := make(chan *Study, 1)
	reg := newStudyRegistry(0, func(s *Study) { ch <- s })
	reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.1"), nil, nil)
	study := waitStudy(t, ch)
	assert.Equal(t, 1, study.InstanceCount())
}

func TestRegistryIndependentStudies(t *testing.T) {
	ch := make(chan *Study, 2)
	reg := newStudyRegistry(50*time.Millisecond, func(s *Study) { ch <- s })
	reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.1"), nil, nil)
	reg.add(testInstance("4.5.6", "4.5.6.1", "4.5.6.1.1"), nil, nil)
	reg.add(testInstance("4.5.6", "4.5.6.1", "4.5.6.1.2"), nil, nil)

	byUID := map[string]*Study{}
	for i := 0; i < 2; i++ {
		study := waitStudy(t, ch)
		byUID[study.StudyUID] = study
	}
	require.Len(t, byUID, 2)
	assert.Equal(t, 1, byUID["1.2.3"].InstanceCount())
	assert.Equal(t, 2, byUID["4.5.6"].InstanceCount())
}

func TestRegistryLateInstanceStartsNewAggregate(t *testing.T) {
	ch := make(chan *Study, 2)
	reg := newStudyRegistry(50*time.Millisecond, func(s *Study) { ch <- s })
	reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.1"), nil, nil)
	first := waitStudy(t, ch)
	assert.Equal(t, 1, first.InstanceCount())

	reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.2"), nil, nil)
	second := waitStudy(t, ch)
	assert.Equal(t, "1.2.3", second.StudyUID)
	require.Equal(t, 1, second.InstanceCount())
	assert.Equal(t, "1.2.3.1.2", second.Series["1.2.3.1"].Instances[0].SOPInstanceUID)
}

func TestRegistryCloseDropsPending(t *testing.T) {
	ch := make(chan *Study, 1)
	reg := newStudyRegistry(100*time.Millisecond, func(s *Study) { ch <- s })
	reg.add(testInstance("1.2.3", "1.2.3.1", "1.2.3.1.1"), nil, nil)
	reg.close()
	expectNoStudy(t, ch, 400*time.Millisecond)

	// Adds after close are dropped.
	reg.add(testInstance("4.5.6", "4.5.6.1", "4.5.6.1.1"), nil, nil)
	expectNoStudy(t, ch, 300*time.Millisecond)
}
