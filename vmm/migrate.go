package vmm

// migrate.go – moving a job between two VMMs: source (MigrateTo) and
// destination (Incoming).
//
// Source side (MigrateTo):
//  1. Detach the job; its VCPU budget state is exported.
//  2. Send the task state and MsgDone.
//  3. Wait for MsgReady. On any failure the job is re-attached locally.
//
// Destination side (Incoming):
//  1. Accept the connection.
//  2. Receive the task state, then MsgDone.
//  3. Attach the job with the burst pattern configured under its name.
//  4. Send MsgReady.
//
// Neither side may run while Boot drives the machine.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/bobuhiro11/govcpu/machine"
	"github.com/bobuhiro11/govcpu/migration"
	"github.com/bobuhiro11/govcpu/task"
)

const dialTimeout = 30 * time.Second

var (
	errExpectedMsgReady       = errors.New("expected MsgReady")
	errMsgDoneBeforeTaskState = errors.New("received MsgDone before task state")
	errUnexpectedMessageType  = errors.New("unexpected message type")
)

// MigrateTo moves the named job to the VMM listening on addr (host:port).
func (v *VMM) MigrateTo(ctx context.Context, addr, name string) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	v.log.Info("Connecting to migration destination", zap.String("address", addr))

	d := net.Dialer{Timeout: dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	defer conn.Close()

	return v.migrateOut(conn, name)
}

func (v *VMM) migrateOut(rw io.ReadWriter, name string) error {
	st, j, err := v.DetachJob(name)
	if err != nil {
		return err
	}

	if err := sendTask(rw, st); err != nil {
		return v.rollback(st, j, err)
	}

	t, _, err := migration.NewReceiver(rw).Next()
	if err != nil {
		return v.rollback(st, j, fmt.Errorf("waiting for MsgReady: %w", err))
	}

	if t != migration.MsgReady {
		return v.rollback(st, j, fmt.Errorf("%w: got %v", errExpectedMsgReady, t))
	}

	v.log.Info("Migration complete, destination is running the job", zap.String("job", name))

	return nil
}

func sendTask(w io.Writer, st *migration.TaskState) error {
	s := migration.NewSender(w)

	if err := s.SendTaskState(st); err != nil {
		return err
	}

	return s.SendDone()
}

// rollback resumes a job whose migration failed on this machine.
func (v *VMM) rollback(st *migration.TaskState, j machine.Job, cause error) error {
	v.log.Warn("Migration failed, resuming job locally", zap.String("job", st.Name), zap.Error(cause))

	if _, err := v.AttachJob(st, j); err != nil {
		return errors.Join(cause, fmt.Errorf("resume job %q: %w", st.Name, err))
	}

	return cause
}

// Incoming accepts one migration on l and resumes the received job.
func (v *VMM) Incoming(l net.Listener) (*task.Task, error) {
	if v.Machine == nil {
		return nil, errNotInitialized
	}

	v.log.Info("Waiting for incoming migration", zap.Stringer("address", l.Addr()))

	conn, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}

	defer conn.Close()

	return v.migrateIn(conn)
}

func (v *VMM) migrateIn(rw io.ReadWriter) (*task.Task, error) {
	recv := migration.NewReceiver(rw)

	var st *migration.TaskState

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			return nil, fmt.Errorf("receive: %w", err)
		}

		switch msgType {
		case migration.MsgTaskState:
			st, err = migration.DecodeTaskState(payload)
			if err != nil {
				return nil, err
			}

		case migration.MsgDone:
			if st == nil {
				return nil, errMsgDoneBeforeTaskState
			}

			t, err := v.AttachJob(st, v.jobPattern(st.Name))
			if err != nil {
				return nil, err
			}

			if err := migration.NewSender(rw).SendReady(); err != nil {
				return nil, err
			}

			v.log.Info("Job resumed from migration", zap.Stringer("task", t), zap.Int("vcpu", t.VCPU))

			return t, nil

		default:
			return nil, fmt.Errorf("%w: %v", errUnexpectedMessageType, msgType)
		}
	}
}

// jobPattern returns the configured burst pattern of the named job. Jobs
// absent from the workload run without sleeping.
func (v *VMM) jobPattern(name string) machine.Job {
	for _, jc := range v.cfg.Workload {
		if jc.Name != name {
			continue
		}

		j, err := jobFromConfig(jc)
		if err != nil {
			v.log.Warn("Ignoring invalid workload entry", zap.String("job", name), zap.Error(err))

			break
		}

		return j
	}

	return machine.Job{Name: name}
}
