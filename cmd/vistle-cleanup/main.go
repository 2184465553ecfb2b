// vistle-cleanup lists and clears the segment-leak ledger written by
// shmem.Store.WriteShmidsFile, recovering from a session that crashed
// without unwinding cleanly. vistle-hub does not call WriteShmidsFile, so
// the ledger holds only names some other caller recorded. Since this Go implementation keeps each node's object
// store in-process rather than in real POSIX shared memory, "cleanup"
// means discarding the ledger rather than calling shmctl(IPC_RMID); the
// ledger is still worth surfacing to an operator auditing what a crashed
// session left behind.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/vistle-go/vistle/internal/config"
	"github.com/vistle-go/vistle/internal/shmem"
)

func main() {
	log.SetFlags(0)

	path := flag.String("file", "", "shmids ledger path (defaults to the per-user standard location)")
	clear := flag.Bool("clear", false, "clear the ledger after listing it")
	flag.Parse()

	ledgerPath := *path
	if ledgerPath == "" {
		ledgerPath = config.DefaultConfig().ShmidsFile
	}

	names, err := shmem.ReadShmidsFile(ledgerPath)
	if err != nil {
		log.Fatalf("read %s: %v", ledgerPath, err)
	}

	if len(names) == 0 {
		fmt.Printf("%s: no leaked segments recorded\n", ledgerPath)
		return
	}

	fmt.Printf("%s: %d leaked segment(s):\n", ledgerPath, len(names))
	for _, name := range names {
		fmt.Println(" ", name)
	}

	if *clear {
		if err := shmem.ClearShmidsFile(ledgerPath); err != nil {
			log.Fatalf("clear %s: %v", ledgerPath, err)
		}
		fmt.Println("ledger cleared")
	}

	os.Exit(0)
}
