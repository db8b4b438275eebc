package appointment

// ComputeStats tallies appointments by status. Pending counts appointments
// still waiting for confirmation.
func ComputeStats(appts []Appointment) DailyStats {
	var st DailyStats
	for _, a := range appts {
		st.Total++
		switch a.Status {
		case StatusScheduled:
			st.Scheduled++
			st.Pending++
		case StatusConfirmed:
			st.Confirmed++
		case StatusCheckedIn:
			st.CheckedIn++
		case StatusInProgress:
			st.InProgress++
		case StatusCompleted:
			st.Completed++
		case StatusCancelled:
			st.Cancelled++
		case StatusNoShow:
			st.NoShow++
		}
	}
	return st
}
