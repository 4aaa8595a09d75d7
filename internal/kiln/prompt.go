package kiln

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// askForConfirmation prompts on out until in yields yes or no. An empty
// answer means yes; end of input means no. Successive prompts must share one
// reader so buffered answers are not lost.
func askForConfirmation(reader *bufio.Reader, out io.Writer, format string, a ...any) bool {
	prompt := fmt.Sprintf("%s [Y/n]: ", fmt.Sprintf(format, a...))

	for {
		fmt.Fprint(out, colWarn.Sprint(prompt))
		response, err := reader.ReadString('\n')
		response = strings.ToLower(strings.TrimSpace(response))
		if err != nil && response == "" {
			return false
		}
		switch response {
		case "y", "yes", "":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return false
		}
	}
}
