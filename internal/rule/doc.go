// Package rule defines automation rules, their triggers and the tasks they
// operate on.
//
// A trigger is a closed set of variants. Scheduled variants embed Schedule,
// which carries the evaluation bookkeeping shared by every time-based kind:
// when the rule was last evaluated and what to do about windows missed while
// nothing was running.
package rule
