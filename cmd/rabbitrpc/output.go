package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/glimte/rabbitrpc/messaging"
)

func printQueues(w io.Writer, queues []messaging.QueueInfo) {
	if len(queues) == 0 {
		fmt.Fprintln(w, "No queues found")
		return
	}

	fmt.Fprintf(w, "%-40s %-10s %-10s\n", "Name", "Messages", "Consumers")
	fmt.Fprintln(w, strings.Repeat("-", 62))

	for _, q := range queues {
		fmt.Fprintf(w, "%-40s %-10d %-10d\n",
			truncate(q.Name, 40),
			q.Messages,
			q.Consumers,
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
