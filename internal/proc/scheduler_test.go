package proc

import (
	"sync"
	"testing"
	"time"

	"github.com/smoynes/elsie/internal/common"
)

func TestInitFirstRunsAndExits(tt *testing.T) {
	tt.Parallel()

	s, _ := newTestScheduler(tt, nil)

	var ran bool

	_, err := s.InitFirst(rawInitImage(), func(p *Process) {
		ran = true

		if p.Pid != 0 {
			tt.Errorf("pid = %d, want 0", p.Pid)
		}
	})
	if err != nil {
		tt.Fatalf("init_first: %v", err)
	}

	s.RunOnce()

	if !ran {
		tt.Errorf("process body never ran")
	}

	waitForState(tt, s, 0, StateDead)
}

func TestRunOnceReturnsCountOfReadyProcesses(tt *testing.T) {
	tt.Parallel()

	s, _ := newTestScheduler(tt, nil)

	_, err := s.InitFirst(rawInitImage(), func(p *Process) {
		// Block forever on a channel nobody wakes, so RunOnce's single
		// pass observes exactly one ready-to-running transition.
		s.Sleep(12345)
	})
	if err != nil {
		tt.Fatalf("init_first: %v", err)
	}

	if n := s.RunOnce(); n != 1 {
		tt.Errorf("RunOnce ran %d processes, want 1", n)
	}

	if n := s.RunOnce(); n != 0 {
		tt.Errorf("RunOnce ran %d processes while blocked, want 0", n)
	}
}

func TestForkDuplicatesAddressSpaceAndFDTable(tt *testing.T) {
	tt.Parallel()

	s, _ := newTestScheduler(tt, nil)

	var childPid int

	var wg sync.WaitGroup
	wg.Add(1)

	_, err := s.InitFirst(rawInitImage(), func(p *Process) {
		pid, err := s.Fork(p, func(child *Process) {
			defer wg.Done()

			text := s.arena.Slice(mustWalk(tt, child.PageTb, common.UserTextBase), 4)
			if string(text) != string(rawInitImage()) {
				tt.Errorf("child text = %v, want %v", text, rawInitImage())
			}

			parentOut, _ := p.Files.Get(1)
			if childOut, err := child.Files.Get(1); err != nil || childOut != parentOut {
				tt.Errorf("child fd 1 = %p, %v; want parent's %p", childOut, err, parentOut)
			}

			s.Exit(child)
		})
		if err != nil {
			tt.Fatalf("fork: %v", err)
		}

		childPid = pid

		if err := s.Wait(p, childPid); err != nil {
			tt.Errorf("wait: %v", err)
		}

		s.Exit(p)
	})
	if err != nil {
		tt.Fatalf("init_first: %v", err)
	}

	for i := 0; i < 10; i++ {
		s.RunOnce()
	}

	wg.Wait()

	if childPid == 0 {
		tt.Fatalf("fork did not allocate a nonzero pid")
	}
}

func TestSbrkRespectsHeapLimit(tt *testing.T) {
	tt.Parallel()

	s, _ := newTestScheduler(tt, nil)

	var gotErr error

	_, err := s.InitFirst(rawInitImage(), func(p *Process) {
		if _, err := s.Sbrk(p, 4096); err != nil {
			tt.Errorf("sbrk small: %v", err)
		}

		_, gotErr = s.Sbrk(p, int64(common.UserHeapLimitPages)*common.PageSize)

		s.Exit(p)
	})
	if err != nil {
		tt.Fatalf("init_first: %v", err)
	}

	s.RunOnce()

	if gotErr == nil {
		tt.Errorf("expected heap-limit error growing past the cap")
	}
}

func TestStdinLineDiscipline(tt *testing.T) {
	tt.Parallel()

	var echoed []byte

	s, _ := newTestScheduler(tt, func(c byte) { echoed = append(echoed, c) })

	result := make(chan string, 1)

	_, err := s.InitFirst(rawInitImage(), func(p *Process) {
		buf := make([]byte, 32)

		n, err := s.GetUserInput(buf)
		if err != nil {
			tt.Errorf("get_user_input: %v", err)
		}

		result <- string(buf[:n])

		s.Exit(p)
	})
	if err != nil {
		tt.Fatalf("init_first: %v", err)
	}

	// Queue the whole line before the process ever runs, so the first
	// RunOnce pass finds a complete line waiting and returns without
	// blocking — no race between scheduling and input arrival.
	for _, c := range []byte("hi\r") {
		s.PutUserInput(c)
	}

	s.RunOnce()

	select {
	case got := <-result:
		if got != "hi" {
			tt.Errorf("got line %q, want %q", got, "hi")
		}
	case <-time.After(time.Second):
		tt.Fatalf("timed out waiting for a line")
	}

	if string(echoed) != "hi\r" {
		tt.Errorf("echoed = %q, want %q", echoed, "hi\r")
	}
}

func waitForState(tt *testing.T, s *Scheduler, pid int, want State) {
	tt.Helper()

	s.mu.Lock()
	p := s.table[pid]
	s.mu.Unlock()

	if p == nil {
		tt.Fatalf("pid %d not in table", pid)
	}

	if got := p.State(); got != want {
		tt.Errorf("pid %d state = %s, want %s", pid, got, want)
	}
}

func mustWalk(tt *testing.T, pt interface {
	Walk(uint64) (uint64, bool)
}, va uint64) uint64 {
	tt.Helper()

	pa, ok := pt.Walk(va)
	if !ok {
		tt.Fatalf("walk %#x: not mapped", va)
	}

	return pa
}
