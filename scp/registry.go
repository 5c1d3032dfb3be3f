package scp

import (
	"sync"
	"time"

	"v.io/x/lib/vlog"
)

// StoredInstance records one instance written to the backend.
type StoredInstance struct {
	StudyUID          string
	SeriesUID         string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	Key               string
	// Instance-level tag projection; nil when no extraction is configured.
	Tags map[string]string
}

// Series groups the instances of one series within a study aggregate.
type Series struct {
	SeriesUID string
	Tags      map[string]string
	Instances []*StoredInstance
}

// Study aggregates everything received for one study UID between its first
// instance and the completion timer firing.
type Study struct {
	StudyUID string
	Tags     map[string]string
	Series   map[string]*Series

	timer *time.Timer
	// Incremented on every arming; a fired timer only completes the study
	// if no later instance re-armed it.
	generation int
}

// InstanceCount returns the number of instances across all series.
func (s *Study) InstanceCount() int {
	n := 0
	for _, series := range s.Series {
		n += len(series.Instances)
	}
	return n
}

// studyRegistry is the process-wide study map. One mutex serializes all
// mutation; the completion callback runs outside the lock.
type studyRegistry struct {
	mu         sync.Mutex
	timeout    time.Duration
	studies    map[string]*Study
	onComplete func(*Study)
	closed     bool
}

func newStudyRegistry(timeout time.Duration, onComplete func(*Study)) *studyRegistry {
	return &studyRegistry{
		timeout:    timeout,
		studies:    make(map[string]*Study),
		onComplete: onComplete,
	}
}

// add records one stored instance and re-arms the study's completion timer.
// Appending is idempotent per SOP instance UID; a duplicate still counts as
// activity and extends the deadline.
func (r *studyRegistry) add(inst *StoredInstance, studyTags, seriesTags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	study := r.studies[inst.StudyUID]
	if study == nil {
		study = &Study{StudyUID: inst.StudyUID, Series: make(map[string]*Series)}
		r.studies[inst.StudyUID] = study
	}
	series := study.Series[inst.SeriesUID]
	if series == nil {
		series = &Series{SeriesUID: inst.SeriesUID}
		study.Series[inst.SeriesUID] = series
	}
	present := false
	for _, existing := range series.Instances {
		if existing.SOPInstanceUID == inst.SOPInstanceUID {
			present = true
			break
		}
	}
	if !present {
		series.Instances = append(series.Instances, inst)
		study.Tags = mergeTags(study.Tags, studyTags)
		series.Tags = mergeTags(series.Tags, seriesTags)
	}

	if study.timer != nil {
		study.timer.Stop()
	}
	study.generation++
	generation := study.generation
	studyUID := inst.StudyUID
	study.timer = time.AfterFunc(r.timeout, func() {
		r.expire(studyUID, generation)
	})
}

// expire completes a study whose timer ran out. A stale generation means a
// newer instance re-armed the timer after this one was scheduled.
func (r *studyRegistry) expire(studyUID string, generation int) {
	r.mu.Lock()
	study := r.studies[studyUID]
	if r.closed || study == nil || study.generation != generation {
		r.mu.Unlock()
		return
	}
	delete(r.studies, studyUID)
	r.mu.Unlock()

	vlog.VI(1).Infof("scp: study %s complete (%d instances)", studyUID, study.InstanceCount())
	if r.onComplete != nil {
		r.onComplete(study)
	}
}

// close stops all pending timers and drops the aggregates without firing
// their completion callbacks.
func (r *studyRegistry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, study := range r.studies {
		if study.timer != nil {
			study.timer.Stop()
		}
	}
	r.studies = make(map[string]*Study)
}

func mergeTags(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
