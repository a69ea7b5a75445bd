package machine

// state.go – task snapshot helpers for migration.
// DetachJob captures a job's scheduling state into migration types and
// removes it; AttachJob resumes a captured job on this machine.

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/bobuhiro11/govcpu/migration"
	"github.com/bobuhiro11/govcpu/task"
)

// DetachJob stops the named job and returns its scheduling state together
// with its burst pattern. A job running on a core is blocked first.
func (m *Machine) DetachJob(name string) (*migration.TaskState, Job, error) {
	p, ok := m.byName[name]
	if !ok {
		return nil, Job{}, fmt.Errorf("%w: %q", errNoSuchJob, name)
	}

	for _, c := range m.cpus {
		if c.cur == p.t {
			m.sys.Core(c.id).Block()
		}
	}

	st, err := m.sys.Detach(p.t)
	if err != nil {
		return nil, Job{}, fmt.Errorf("detach job %q: %w", name, err)
	}

	m.unregister(p.t)

	m.log.Info("Detached job",
		zap.String("job", name),
		zap.Int("replenishments", len(st.VCPU.Replenishments)),
		zap.Uint64("budget", st.VCPU.B),
	)

	return st, p.job, nil
}

// AttachJob resumes a job detached from another machine. The job keeps the
// name recorded in st and runs with the burst pattern of j.
func (m *Machine) AttachJob(st *migration.TaskState, j Job) (*task.Task, error) {
	if _, ok := m.byName[st.Name]; ok {
		return nil, fmt.Errorf("%w: %q", errJobExists, st.Name)
	}

	t, err := m.sys.Attach(st)
	if err != nil {
		return nil, fmt.Errorf("attach job %q: %w", st.Name, err)
	}

	j.Name = t.Name
	j.VCPU = t.VCPU

	if err := m.register(t, j); err != nil {
		return nil, err
	}

	m.log.Info("Attached job", zap.String("job", t.Name), zap.Int("vcpu", t.VCPU))

	return t, nil
}
