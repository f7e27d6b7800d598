// Package printer renders workflow runs and event streams for the terminal.
// Step labels use workflow.FormatStepPath numbering ("Step 2.1").
package printer
