// Command shmq-demo runs the producer/consumer correctness test for the
// shared memory queue. With -p or -c it plays a single role against the
// named segment; with neither flag it spawns itself into both roles as two
// separate processes, waits for them, and unlinks the segment.
//
// The producer pushes count messages whose eight words all carry the
// message's sequence number; the consumer pops the same count and verifies
// every word.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"gosuda.org/shmq"
	"gosuda.org/shmq/internal/protocol"
)

const progressEvery = 1_000_000

var (
	name     = flag.String("name", "shmq_demo", "shared memory object name")
	count    = flag.Uint64("count", 100_000_000, "number of messages to transfer")
	producer = flag.Bool("p", false, "run the producer role")
	consumer = flag.Bool("c", false, "run the consumer role")
)

func main() {
	log.SetFlags(0)
	flag.Parse()

	switch {
	case *producer && *consumer:
		log.Fatal("shmq-demo: -p and -c are mutually exclusive")
	case *producer:
		runRole("producer", produce)
	case *consumer:
		runRole("consumer", consume)
	default:
		supervise()
	}
}

// runRole opens the segment, plays one role against it, and closes the
// local handle. The segment name stays linked; the supervisor (or the
// operator) removes it once both sides are done.
func runRole(role string, fn func(*shmq.Segment, uint64) error) {
	log.Printf("%s starting up", role)

	seg, err := shmq.Open(*name)
	if err != nil {
		log.Fatalf("%s: %v", role, err)
	}
	defer seg.Close()

	if err := fn(seg, *count); err != nil {
		log.Fatalf("%s: %v", role, err)
	}
}

func produce(seg *shmq.Segment, count uint64) error {
	q, err := shmq.Attach[protocol.Message](seg, 0)
	if err != nil {
		return err
	}

	var m protocol.Message
	for seq := uint64(0); seq < count; seq++ {
		if seq%progressEvery == 0 {
			log.Printf("seq: %d", seq)
		}

		m.Fill(seq)
		if !q.Push(m) {
			return fmt.Errorf("push failed at seq %d: %w", seq, q.GrowErr())
		}
	}
	return nil
}

func consume(seg *shmq.Segment, count uint64) error {
	q, err := shmq.Attach[protocol.Message](seg, 0)
	if err != nil {
		return err
	}

	var m protocol.Message
	for seq := uint64(0); seq < count; seq++ {
		if seq%progressEvery == 0 {
			log.Printf("seq: %d", seq)
		}

		for !q.Pop(&m) {
			if err := q.GrowErr(); err != nil {
				return err
			}
		}
		if !m.Check(seq) {
			return fmt.Errorf("sequence violation at seq %d: got %v", seq, m.Words)
		}
	}
	return nil
}

// supervise re-executes this binary as a producer and a consumer process,
// waits for both, and removes the segment name.
func supervise() {
	exe, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the queue before starting the roles, so the two children
	// never race on attaching to an empty segment.
	seg, err := shmq.Open(*name)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := shmq.Attach[protocol.Message](seg, 0); err != nil {
		log.Fatal(err)
	}

	var g errgroup.Group
	for _, role := range []string{"-p", "-c"} {
		cmd := exec.Command(exe, role, "-name", *name, "-count", fmt.Sprint(*count))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		g.Go(cmd.Run)
	}
	runErr := g.Wait()

	// Exactly one party unlinks; survivors with open mappings keep working
	// until they drop them.
	if err := seg.Unlink(); err != nil {
		log.Print(err)
	}

	if runErr != nil {
		log.Fatal(runErr)
	}
	log.Printf("transferred %d messages", *count)
}
