package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prompt asks on w for every run parameter of c that is still unset and
// reads the answers from r, one per line.
func Prompt(r io.Reader, w io.Writer, c *RunConfig) error {
	sc := bufio.NewScanner(r)
	ask := func(question string) (string, error) {
		fmt.Fprintf(w, "%s > ", question)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("%w: no answer to %q", ErrInvalidConfig, question)
		}
		return strings.TrimSpace(sc.Text()), nil
	}
	askFloat := func(question string) (float64, error) {
		s, err := ask(question)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidConfig, s)
		}
		return v, nil
	}

	var err error
	if c.FrequencyMinutes == 0 {
		c.FrequencyMinutes, err = askFloat("At what frequency do you want to do the speed test (in minutes)?")
		if err != nil {
			return err
		}
	}
	if c.TotalDurationHours == 0 {
		c.TotalDurationHours, err = askFloat("For how much time do you want to do the speed tests (in hours)?")
		if err != nil {
			return err
		}
	}
	if c.RecordsPerFile == 0 {
		s, err := ask("How many test entries do you want per file?")
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%w: records per file must be an integer, got %q", ErrInvalidConfig, s)
		}
		c.RecordsPerFile = n
	}
	return nil
}
