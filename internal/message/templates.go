package message

// levelTemplate holds the candidate phrasings for one escalation level.
// Placeholders use single braces: {contactName}, {ownerName}, {taskTitle},
// {dueDate}, {hoursOverdue}, {relationship}, {customMessage}, {ownerEmail}.
type levelTemplate struct {
	Subjects      []string
	Openings      []string
	Bodies        []string
	CallsToAction []string
}

// templates is indexed by escalation level 1..3. Intensity escalates from a
// friendly nudge to maximum shame; level 3 must read unmistakably harsher
// than 1 and 2.
var templates = map[int]levelTemplate{
	1: {
		Subjects: []string{
			`⏰ Gentle Reminder: {ownerName} missed "{taskTitle}" deadline`,
			`🔔 Hey {contactName}, {ownerName} could use your support`,
			`⏰ {ownerName} missed their deadline for "{taskTitle}"`,
		},
		Openings: []string{
			`Hi {contactName}, just a gentle nudge from AccountaList!`,
			`Hey {contactName}, hope you're doing well!`,
			`Hi {contactName}, this is a friendly reminder from AccountaList.`,
		},
		Bodies: []string{
			`{ownerName} missed their deadline for "{taskTitle}" which was due {dueDate}. As their accountability contact, maybe a friendly check-in would help?`,
			`{ownerName} was supposed to complete "{taskTitle}" by {dueDate}, but they haven't marked it as done yet. They might need some encouragement!`,
			`Your accountability buddy {ownerName} missed their "{taskTitle}" deadline. Time for some friendly motivation?`,
			`{ownerName} is {hoursOverdue} behind on "{taskTitle}". A gentle nudge from you could make all the difference!`,
		},
		CallsToAction: []string{
			`Consider sending them a supportive message or checking if they need help!`,
			`Maybe reach out and see if they need assistance or motivation?`,
			`A friendly text or call might be just what they need to get back on track.`,
			`Your encouragement could help them push through and complete this task!`,
		},
	},
	2: {
		Subjects: []string{
			`🚨 Escalation Alert: {ownerName} still hasn't completed "{taskTitle}"`,
			`🔥 Second Warning: {ownerName} is seriously behind on "{taskTitle}"`,
			`🚨 {ownerName} needs intervention - "{taskTitle}" still incomplete`,
		},
		Openings: []string{
			`Hi {contactName}, this is a more serious escalation from AccountaList.`,
			`{contactName}, we need your help - this is escalation level 2.`,
			`Hey {contactName}, time for stronger intervention.`,
		},
		Bodies: []string{
			`This is the SECOND escalation for {ownerName}. They're now {hoursOverdue} overdue on "{taskTitle}" and clearly struggling with accountability.`,
			`{ownerName} is {hoursOverdue} behind schedule on "{taskTitle}". The gentle approach didn't work - time for tougher love!`,
			`Houston, we have a problem! {ownerName} has ignored their commitment to "{taskTitle}" for {hoursOverdue}. They need your intervention.`,
			`Red alert! {ownerName} is failing their accountability system. "{taskTitle}" was due {dueDate} and they're {hoursOverdue} overdue.`,
		},
		CallsToAction: []string{
			`This calls for stronger encouragement - maybe it's time for a direct conversation?`,
			`Consider escalating your support - a phone call or in-person check-in might be needed.`,
			`Time to apply some pressure! They clearly need more than gentle encouragement.`,
			`Your buddy is struggling. Time to step up the accountability game!`,
		},
	},
	3: {
		Subjects: []string{
			`💀 MAXIMUM SHAME: {ownerName} has officially failed "{taskTitle}"`,
			`🔥💀 FINAL ESCALATION: {ownerName} completely dropped the ball`,
			`💀 SHAME ALERT: {ownerName} has broken their commitment to "{taskTitle}"`,
		},
		Openings: []string{
			`💀 MAXIMUM SHAME ACTIVATED 💀`,
			`🔥 FINAL ESCALATION - NO MORE MR. NICE GUY 🔥`,
			`💀 This is it, {contactName}. Maximum accountability mode. 💀`,
		},
		Bodies: []string{
			"💀 OFFICIAL FAILURE NOTICE 💀\n\n{ownerName} has completely failed their commitment to \"{taskTitle}\". They are now {hoursOverdue} overdue and have ignored TWO previous escalations. This is public accountability failure.",
			"🔥 SHAME LEVEL: MAXIMUM 🔥\n\n{ownerName} promised to complete \"{taskTitle}\" by {dueDate}. They are now {hoursOverdue} overdue and have officially broken their word. Time for consequences!",
			"💀 ACCOUNTABILITY BREAKDOWN 💀\n\n{ownerName} has demonstrated they cannot be trusted to keep their commitments. \"{taskTitle}\" remains incomplete after {hoursOverdue}. The gentle approach failed. The escalation failed. Maximum shame is now justified.",
			"🚨 COMMITMENT VIOLATION 🚨\n\n{ownerName} made a promise to complete \"{taskTitle}\" and broke it. {hoursOverdue} overdue. Two escalations ignored. Your accountability buddy has failed the system.",
		},
		CallsToAction: []string{
			`Time for the consequences they agreed to. No more excuses!`,
			`They agreed to maximum shame for a reason. Time to deliver!`,
			`This is why they added you as an accountability contact. Don't hold back!`,
			`Public accountability failure demands public consequences. You know what to do!`,
		},
	},
}

// defaultPolicyTemplates are the scheduler's fallback message templates, used
// when a policy carries no custom template. Placeholders use double braces.
var defaultPolicyTemplates = map[int]string{
	1: `Hi {{contactName}}, {{ownerName}} missed their deadline for "{{taskTitle}}" which was due {{dueDate}}. They've been overdue for {{minutesOverdue}} minutes. As their accountability contact, please check in with them!`,
	2: `{{contactName}}, this is the second escalation! {{ownerName}} still hasn't completed "{{taskTitle}}" ({{minutesOverdue}} minutes overdue). Time for stronger encouragement!`,
	3: `FINAL ESCALATION: {{contactName}}, {{ownerName}} has officially failed their commitment to complete "{{taskTitle}}". Maximum shame mode activated! {{minutesOverdue}} minutes overdue.`,
}
