package session

import (
	"fmt"
	"strings"

	"postbot/internal/posts"
)

const (
	msgCreateStart     = "Let's schedule a post!\n\nPlease enter the text you want to post:"
	msgTimePrompt      = "Got it! Now enter the time to post.\n\nFormat: HH:MM (24-hour format)\nExample: 14:30"
	msgFrequencyPrompt = "How often should this post be sent?"
	msgFrequencyRetry  = "Please choose 'Once' or 'Daily'"
	msgFieldRetry      = "Please choose 'Text' or 'Time'"
	msgNewText         = "Enter the new text for this post:"
	msgNewTime         = "Enter the new time.\n\nFormat: HH:MM (24-hour format)\nExample: 14:30"
	msgNothingToEdit   = "You have no scheduled posts to edit."
	msgNothingToDelete = "You have no scheduled posts to delete."
	msgGone            = "That post no longer exists. Use /list to see your posts."
	msgDelivering      = "That post is being sent right now, so it can no longer be changed or deleted."
	msgCancelled       = "Operation cancelled."
	msgInternal        = "Something went wrong on our side. Nothing was changed, please try again."
)

var (
	frequencyKeyboard = []string{"Once", "Daily"}
	fieldKeyboard     = []string{"Text", "Time"}
)

func batchStart(delim string) string {
	return "Let's schedule several posts!\n\n" +
		"Send all texts in one message, separated by a line containing only " + delim + "\n\n" +
		"Example:\nFirst post\n" + delim + "\nSecond post"
}

func batchTimePrompt(n int) string {
	return fmt.Sprintf("Got %d posts! Now enter the time to post them.\n\nFormat: HH:MM (24-hour format)\nExample: 14:30", n)
}

func selectPrompt(flow Flow, list []posts.Delivery) string {
	var b strings.Builder
	verb := "delete"
	if flow == Edit {
		verb = "edit"
	}
	fmt.Fprintf(&b, "Which post do you want to %s?\n\n", verb)
	for i, d := range list {
		b.WriteString(d.Line(i + 1))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nEnter the number to %s (or /cancel):", verb)
	return b.String()
}

func selectRetry(n int) string {
	return fmt.Sprintf("Please enter a number between 1 and %d", n)
}

func fieldPrompt(index int, d posts.Delivery) string {
	return fmt.Sprintf("Post #%d: [%s - %s] %s\n\nWhat do you want to change?", index, d.At, d.Recurrence, d.Preview)
}

func scheduledSummary(d posts.Delivery) string {
	return fmt.Sprintf("Post scheduled!\n\nTime: %s (%s)\nText: %s\n\nThe post will be sent to %s",
		d.At, d.Recurrence, posts.Truncate(d.Text, posts.SummaryLen), d.Destination.Display())
}

func batchSummary(ds []posts.Delivery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d posts scheduled!\n\nTime: %s (%s)\n\n", len(ds), ds[0].At, ds[0].Recurrence)
	for i, d := range ds {
		fmt.Fprintf(&b, "%d. %s\n", i+1, d.Preview)
	}
	fmt.Fprintf(&b, "\nThe posts will be sent to %s", ds[0].Destination.Display())
	return b.String()
}

func updatedSummary(what string, d posts.Delivery) string {
	return fmt.Sprintf("Post %s!\n\nTime: %s (%s)\nText: %s", what, d.At, d.Recurrence, posts.Truncate(d.Text, posts.SummaryLen))
}

func deletedSummary(index int, d posts.Delivery) string {
	return fmt.Sprintf("Deleted post #%d: [%s] %s", index, d.At, d.Preview)
}
